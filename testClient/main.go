package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"goim-realtime/pkg/auth"
	"goim-realtime/pkg/chatclient"
	"goim-realtime/pkg/logger"
	"goim-realtime/pkg/protocol"
)

func main() {
	// 命令行参数
	var (
		wsURL    = flag.String("wsurl", "ws://localhost:21006/api/v1/realtime/ws", "WebSocket服务地址")
		token    = flag.String("token", "", "会话token，为空时用secret本地签发")
		secret   = flag.String("secret", "focusandinsist", "JWT密钥，与服务端app.jwt_secret一致")
		userID   = flag.String("user", "user-1001", "签发token使用的用户ID")
		name     = flag.String("name", "", "显示名称，默认与用户ID相同")
		convID   = flag.String("conv", "", "连接成功后自动加入的会话")
		logLevel = flag.String("log", "warn", "客户端日志级别")
	)
	flag.Parse()

	if *token == "" {
		displayName := *name
		if displayName == "" {
			displayName = *userID
		}
		t, err := auth.NewJWTValidator(*secret, 24*time.Hour).GenerateToken(*userID, displayName)
		if err != nil {
			log.Fatalf("❌ 签发token失败: %v", err)
		}
		*token = t
		fmt.Printf("🔧 已为用户 %s 签发调试token\n", *userID)
	}

	zlog, err := logger.NewLogger(*logLevel)
	if err != nil {
		log.Fatalf("❌ 初始化日志失败: %v", err)
	}

	current := *convID
	client, err := chatclient.New(chatclient.Options{
		URL:    *wsURL,
		Token:  *token,
		Logger: zlog,
		OnStatusChange: func(s chatclient.State) {
			printStatus(s)
		},
		OnEvent: printEvent,
		OnAcknowledged: func(id string, ack protocol.Envelope) {
			fmt.Printf("✅ [%s] 已确认 %s\n", shortID(id), ack.Type)
		},
		OnSendFailed: func(f chatclient.Failure) {
			fmt.Printf("❌ [%s] %s 发送失败 (重试%d次): %v\n", shortID(f.ID), f.Type, f.RetryCount, f.Err)
		},
	})
	if err != nil {
		log.Fatalf("❌ 创建客户端失败: %v", err)
	}

	fmt.Printf("🔌 正在连接: %s\n", *wsURL)
	if err := client.Connect(context.Background()); err != nil {
		fmt.Printf("⚠️ 首次连接失败，后台重连中: %v\n", err)
	}
	defer client.Close()

	if current != "" {
		waitConnected(client, 5*time.Second)
		join(client, current)
	}

	fmt.Println("\n📱 实时聊天客户端已启动！")
	fmt.Println("💬 输入消息内容，按回车发送到当前会话")
	fmt.Println("📋 输入 /help 查看更多命令")
	fmt.Println(strings.Repeat("-", 50))

	handleUserInput(client, &current)
}

// 处理用户输入
func handleUserInput(client *chatclient.Client, current *string) {
	scanner := bufio.NewScanner(os.Stdin)

	for {
		fmt.Printf("\n[%s] 💬 ", prompt(*current))
		if !scanner.Scan() {
			return
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}

		cmd, arg, _ := strings.Cut(input, " ")
		arg = strings.TrimSpace(arg)

		switch cmd {
		case "/exit", "/quit", "/q":
			fmt.Println("👋 再见！")
			return
		case "/help", "/h":
			showHelp()
		case "/join":
			if arg == "" {
				fmt.Println("❌ 用法: /join <会话ID>")
				continue
			}
			*current = arg
			join(client, arg)
		case "/leave":
			target := arg
			if target == "" {
				target = *current
			}
			if err := client.LeaveConversation(target); err != nil {
				fmt.Printf("❌ 离开会话失败: %v\n", err)
				continue
			}
			if target == *current {
				*current = ""
			}
		case "/typing":
			if err := client.StartTyping(*current); err != nil {
				fmt.Printf("❌ 发送输入状态失败: %v\n", err)
			}
		case "/stop":
			if err := client.StopTyping(*current); err != nil {
				fmt.Printf("❌ 发送输入状态失败: %v\n", err)
			}
		case "/create":
			if arg == "" {
				fmt.Println("❌ 用法: /create <会话ID>")
				continue
			}
			if err := client.NotifyConversationCreated(arg); err != nil {
				fmt.Printf("❌ 通知会话创建失败: %v\n", err)
			}
		case "/status":
			printStatus(client.State())
		case "/pending":
			pending := client.Pending()
			fmt.Printf("⏳ 待确认 %d 条\n", len(pending))
			for _, p := range pending {
				fmt.Printf("  [%s] %s 重试%d次 %s\n", shortID(p.ID), p.Type, p.RetryCount, string(p.Data))
			}
		default:
			if strings.HasPrefix(cmd, "/") {
				fmt.Println("❌ 未知命令，输入 /help 查看帮助")
				continue
			}
			if *current == "" {
				fmt.Println("❌ 尚未加入会话，先执行 /join <会话ID>")
				continue
			}
			id, err := client.SendMessage(*current, input)
			if err != nil {
				continue // OnSendFailed 已提示
			}
			fmt.Printf("📤 [%s] %s\n", shortID(id), input)
		}
	}
}

func join(client *chatclient.Client, conversationID string) {
	id, err := client.JoinConversation(conversationID)
	if err != nil {
		return
	}
	fmt.Printf("🚪 [%s] 正在加入会话 %s\n", shortID(id), conversationID)
}

// waitConnected 等待连接就绪，超时后直接返回
func waitConnected(client *chatclient.Client, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if client.State().Status == chatclient.StatusConnected {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// 显示帮助信息
func showHelp() {
	fmt.Println("\n📋 可用命令:")
	fmt.Println("  /join <会话ID>    - 加入并切换到会话")
	fmt.Println("  /leave [会话ID]   - 离开会话，默认当前会话")
	fmt.Println("  /typing           - 发送正在输入")
	fmt.Println("  /stop             - 发送停止输入")
	fmt.Println("  /create <会话ID>  - 通知其他参与者会话已创建")
	fmt.Println("  /status           - 查看连接状态")
	fmt.Println("  /pending          - 查看待确认事件")
	fmt.Println("  /exit             - 退出程序")
	fmt.Println("  其他输入          - 发送消息到当前会话")
}

func printStatus(s chatclient.State) {
	switch s.Status {
	case chatclient.StatusConnected:
		fmt.Println("\n🟢 已连接")
	case chatclient.StatusConnecting:
		fmt.Println("\n🟡 连接中...")
	case chatclient.StatusReconnecting:
		wait := time.Until(s.NextReconnectAt).Round(time.Second)
		fmt.Printf("\n🟠 第%d次重连，%v后尝试 (%v)\n", s.ReconnectAttempts, wait, s.LastError)
	case chatclient.StatusError:
		fmt.Printf("\n🔴 连接失败: %v\n", s.LastError)
	default:
		fmt.Println("\n⚪ 已断开")
	}
}

// printEvent 打印服务端推送
func printEvent(env protocol.Envelope) {
	ts := time.UnixMilli(env.Timestamp).Format("15:04:05")

	switch env.Type {
	case protocol.TypeConnectionReady:
		var ready protocol.ConnectionReady
		if env.DecodeData(&ready) == nil {
			fmt.Printf("👤 %s (%s) 连接 %s @ %s\n", ready.DisplayName, ready.UserID, ready.ConnectionID, ready.ProcessID)
		}
	case protocol.TypeMessageCreated:
		var msg protocol.Message
		if env.DecodeData(&msg) == nil && env.ID == "" {
			fmt.Printf("\n📥 [%s] #%s %s: %s\n", ts, msg.ConversationID, authorName(msg.Author), msg.Content)
		}
	case protocol.TypeTypingStart, protocol.TypeTypingStop,
		protocol.TypeParticipantJoined, protocol.TypeParticipantLeft:
		var pe protocol.ParticipantEvent
		if env.DecodeData(&pe) == nil {
			fmt.Printf("\n👥 [%s] #%s %s %s\n", ts, pe.ConversationID, pe.UserID, env.Type)
		}
	case protocol.TypeConversationCreated, protocol.TypeConversationConfirmed:
		var cp protocol.ConversationPayload
		if env.DecodeData(&cp) == nil {
			fmt.Printf("\n🆕 [%s] 会话 %s %s (%d人)\n", ts, cp.Conversation.ID, cp.Conversation.Name, len(cp.Conversation.Participants))
		}
	case protocol.TypeError:
		var pe protocol.Error
		if env.DecodeData(&pe) == nil {
			fmt.Printf("\n⚠️ 服务端错误: %v\n", &pe)
		}
	case protocol.TypePong:
	default:
		raw, _ := json.Marshal(env)
		fmt.Printf("\n📨 %s\n", raw)
	}
}

func authorName(a protocol.Author) string {
	if a.DisplayName != "" {
		return a.DisplayName
	}
	return a.ID
}

func prompt(current string) string {
	if current == "" {
		return "未加入会话"
	}
	return "#" + current
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
