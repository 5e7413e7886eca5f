// Command voicetutor runs a free-talk lesson in the terminal with the local
// microphone and speaker.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/zhouzirui/speakup/backend/internal/audio"
	"github.com/zhouzirui/speakup/backend/internal/config"
	"github.com/zhouzirui/speakup/backend/internal/model/chat"
	lessonModel "github.com/zhouzirui/speakup/backend/internal/model/lesson"
	speechModel "github.com/zhouzirui/speakup/backend/internal/model/speech"
	"github.com/zhouzirui/speakup/backend/internal/service/ai"
	"github.com/zhouzirui/speakup/backend/internal/service/assessment"
	"github.com/zhouzirui/speakup/backend/internal/service/capture"
	"github.com/zhouzirui/speakup/backend/internal/service/lesson"
	"github.com/zhouzirui/speakup/backend/internal/service/playback"
	"github.com/zhouzirui/speakup/backend/internal/service/settings"
	"github.com/zhouzirui/speakup/backend/internal/service/speech"
	"github.com/zhouzirui/speakup/backend/internal/service/turn"
	"github.com/zhouzirui/speakup/backend/internal/store"
)

const usage = `回车: 结束本轮录音 | /stop: 暂停 | /start: 继续 | /quit: 结束课程
其他输入会作为本轮的文字回答。`

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if err := godotenv.Load(); err != nil {
		log.Printf("[WARN] 无法加载 .env，改用系统环境变量: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("配置加载失败: %v", err)
	}

	topicTitle := flag.String("topic", "Ordering coffee", "课程话题")
	modeFlag := flag.String("mode", string(capture.ModeContinuous), "录音模式: continuous 或 discrete")
	minutes := flag.Int("minutes", lesson.DefaultMinutes, "课程时长（分钟）")
	threshold := flag.Float64("threshold", audio.DefaultSpeechThreshold, "判定为说话的 RMS 音量")
	flag.Parse()

	mode, err := capture.ParseMode(*modeFlag)
	if err != nil {
		log.Fatal(err)
	}
	if !cfg.AI.OpenAIEnabled() {
		log.Fatal("语音识别与合成需要 OPENAI_API_KEY 或 AI_PROXY_URL")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var repo store.Repository
	if cfg.Store.Path != "" {
		sqlite, err := store.NewSQLite(cfg.Store.Path)
		if err != nil {
			log.Fatalf("打开数据库失败: %v", err)
		}
		defer sqlite.Close()
		repo = sqlite
	}
	settingsStore, err := settings.NewStore(ctx, repo)
	if err != nil {
		log.Fatalf("加载设置失败: %v", err)
	}
	lessons := lesson.NewService(repo)

	client, err := cfg.AI.NewOpenAIClient()
	if err != nil {
		log.Fatal(err)
	}
	speechSvc := speech.NewService(client, &speechModel.SpeechConfig{
		TranscriptionModel: cfg.Speech.TranscriptionModel,
		TTSModel:           cfg.Speech.TTSModel,
		Voice:              cfg.Speech.Voice,
		SpeedPercent:       cfg.Speech.SpeedPercent,
		Language:           cfg.Speech.Language,
		Timeout:            cfg.Speech.Timeout,
	})

	var dialogue turn.Dialogue = cannedDialogue{}
	var aiSvc *ai.Service
	assessor, _ := assessment.NewService(ctx, nil)
	if cfg.AI.Enabled() {
		chatModel, err := cfg.AI.NewChatModel(ctx)
		if err == nil {
			aiSvc, err = ai.NewService(ctx, chatModel, ai.Config{HistoryLimit: cfg.AI.HistoryLimit})
		}
		if err != nil {
			log.Printf("[WARN] AI 初始化失败，使用固定回复: %v", err)
		} else {
			dialogue = aiSvc
			if a, err := assessment.NewService(ctx, chatModel); err == nil {
				assessor = a
			}
		}
	}

	topic := lessonModel.Topic{Type: "Casual", Title: strings.TrimSpace(*topicTitle)}
	content := lessonModel.FallbackContent(topic)
	if aiSvc != nil {
		content = aiSvc.StartSession(ctx, topic, *minutes)
	}
	session, err := lessons.CreateSession(ctx, topic, *minutes, content)
	if err != nil {
		log.Fatalf("创建课程失败: %v", err)
	}

	if err := audio.Init(); err != nil {
		log.Fatalf("PortAudio 初始化失败: %v", err)
	}
	defer audio.Terminate()

	mic := audio.NewMic(audio.MicOptions{SilenceTimeout: cfg.Turn.SilenceTimeout, Threshold: *threshold})
	speaker := playback.NewSpeaker(speechSvc, audio.NewPlayer(), nil, playback.Options{SessionID: session.ID, Format: "pcm"})

	var history []chat.Utterance
	if intro := strings.TrimSpace(content.FreeTalkIntro); intro != "" {
		history = append(history, chat.Utterance{Speaker: chat.SpeakerAssistant, Text: intro})
	}

	controller := turn.NewController(
		capture.NewAdapter(mic, capture.Options{SilenceTimeout: cfg.Turn.SilenceTimeout}),
		speechSvc, dialogue, speaker,
		turn.Options{
			SessionID:          session.ID,
			Mode:               mode,
			RestartDelay:       cfg.Turn.RestartDelay,
			RetryDelay:         cfg.Turn.RetryDelay,
			MaxCaptureFailures: cfg.Turn.MaxCaptureFailures,
			ErrorDismiss:       cfg.Turn.ErrorDismiss,
			History:            history,
			Voice:              settingsStore.VoiceConfig,
		},
	)

	events, unsubscribe := controller.Subscribe(64)
	printed := make(chan struct{})
	go func() {
		defer close(printed)
		printEvents(os.Stdout, events)
	}()

	fmt.Printf("话题: %s\n%s\n\n", topic.Title, usage)
	for _, u := range history {
		fmt.Printf("tutor> %s\n", u.Text)
	}

	if err := controller.Start(ctx); err != nil {
		log.Fatalf("启动失败: %v", err)
	}

	lines := make(chan string)
	go readLines(os.Stdin, lines)

	for running := true; running; {
		select {
		case <-ctx.Done():
			running = false
		case line, ok := <-lines:
			running = ok && handleLine(ctx, controller, line)
		}
	}

	final := controller.Finish()
	unsubscribe()
	<-printed

	feedback := assessor.ReviewSession(context.Background(), final)
	if _, err := lessons.Finish(context.Background(), session.ID, final, feedback); err != nil {
		log.Printf("[WARN] 保存课程失败: %v", err)
	}
	printFeedback(os.Stdout, feedback)
}

// handleLine applies one line of terminal input. It returns false to end the lesson.
func handleLine(ctx context.Context, controller *turn.Controller, line string) bool {
	line = strings.TrimSpace(line)
	var err error
	switch line {
	case "/quit", "/exit":
		return false
	case "/stop":
		controller.Stop()
	case "/start":
		err = controller.Start(ctx)
	case "":
		err = controller.Submit()
	default:
		err = controller.SubmitText(line)
	}
	if err != nil {
		fmt.Printf("! %v\n", err)
	}
	return true
}

func readLines(r io.Reader, out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		out <- scanner.Text()
	}
}

func printEvents(w io.Writer, events <-chan turn.Event) {
	for ev := range events {
		switch ev.Type {
		case turn.EventState:
			fmt.Fprintf(w, "[%s]\n", ev.State)
		case turn.EventPartial:
			fmt.Fprintf(w, "  ... %s\n", ev.Text)
		case turn.EventUtterance:
			if ev.Utterance == nil {
				continue
			}
			who := "you"
			if ev.Utterance.Speaker == chat.SpeakerAssistant {
				who = "tutor"
			}
			fmt.Fprintf(w, "%s> %s\n", who, ev.Utterance.Text)
		case turn.EventError:
			if ev.Error != nil {
				fmt.Fprintf(w, "! %s\n", ev.Error.Message)
			}
		}
	}
}

func printFeedback(w io.Writer, feedback []lessonModel.FeedbackItem) {
	if len(feedback) == 0 {
		fmt.Fprintln(w, "\n没有需要纠正的句子。")
		return
	}
	fmt.Fprintln(w, "\n课程反馈:")
	for i, item := range feedback {
		fmt.Fprintf(w, "%d. %s\n   -> %s\n   %s\n", i+1, item.Original, item.Correction, item.Reason)
	}
}

type cannedDialogue struct{}

func (cannedDialogue) Reply(context.Context, string, []chat.Utterance) string {
	return ai.FallbackReply
}
