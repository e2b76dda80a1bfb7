package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand/v2"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/schollz/progressbar/v3"
)

// Config 压测配置
type Config struct {
	Mode          string        `json:"mode"`   // steady, churn
	Target        string        `json:"target"` // WebSocket URL
	Users         int           `json:"users"`  // 用户数，ID 为 1..Users
	Duration      time.Duration `json:"duration"`
	Ramp          time.Duration `json:"ramp"`
	QueryInterval time.Duration `json:"query_interval"` // getFriendsStatus 间隔
	ChurnInterval time.Duration `json:"churn_interval"` // churn 模式下每个连接的重连间隔
	Output        string        `json:"output"`
	Verbose       bool          `json:"verbose"`
}

// wireMessage 服务端消息封装
type wireMessage struct {
	Type string          `json:"type"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
	Ts   int64           `json:"ts,omitempty"`
}

type statusEvent struct {
	UserID    string `json:"userId"`
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

// client 一个模拟用户
type client struct {
	userID string
	conn   *websocket.Conn
	wmu    sync.Mutex

	pending sync.Map // 请求 ID -> 发出时间
	seq     int64
}

func main() {
	cfg := parseFlags()

	fmt.Println("=== presencebench - 在线状态压测工具 ===")
	fmt.Printf("模式: %s | 目标: %s | 用户数: %d | 持续: %s | 爬坡: %s\n\n",
		cfg.Mode, cfg.Target, cfg.Users, cfg.Duration, cfg.Ramp)

	stats := newStats()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Duration)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\n收到中断信号，正在关闭...")
		cancel()
	}()

	runBench(ctx, cfg, stats)
	stats.EndTime = time.Now()

	result := generateResult(cfg, stats)
	switch cfg.Output {
	case "json":
		outputJSON(result)
	case "csv":
		outputCSV(result)
	default:
		outputText(result)
	}
}

func parseFlags() Config {
	cfg := Config{}

	flag.StringVar(&cfg.Mode, "mode", "steady", "压测模式: steady（保持连接并查询）, churn（反复上下线）")
	flag.StringVar(&cfg.Target, "target", "ws://localhost:3000/ws", "WebSocket URL")
	flag.IntVar(&cfg.Users, "users", 20, "用户数（与服务端 friends.universe 保持一致）")
	flag.DurationVar(&cfg.Duration, "duration", time.Minute, "压测持续时间")
	flag.DurationVar(&cfg.Ramp, "ramp", 10*time.Second, "爬坡时间")
	flag.DurationVar(&cfg.QueryInterval, "query-interval", 5*time.Second, "好友状态查询间隔")
	flag.DurationVar(&cfg.ChurnInterval, "churn-interval", 3*time.Second, "churn 模式重连间隔")
	flag.StringVar(&cfg.Output, "output", "text", "输出格式: text, json, csv")
	flag.BoolVar(&cfg.Verbose, "verbose", false, "详细输出")
	flag.Parse()

	if cfg.Users <= 0 {
		cfg.Users = 1
	}
	if cfg.ChurnInterval <= 0 {
		cfg.ChurnInterval = time.Second
	}
	if cfg.QueryInterval <= 0 {
		cfg.QueryInterval = 5 * time.Second
	}
	return cfg
}

func runBench(ctx context.Context, cfg Config, stats *Stats) {
	perUser := cfg.Ramp / time.Duration(cfg.Users)
	if perUser <= 0 {
		perUser = time.Millisecond
	}

	bar := progressbar.NewOptions(cfg.Users,
		progressbar.OptionSetDescription("用户上线"),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
	)

	var wg sync.WaitGroup
	ticker := time.NewTicker(perUser)
	defer ticker.Stop()

	for i := 1; i <= cfg.Users; i++ {
		select {
		case <-ctx.Done():
			i = cfg.Users + 1
			continue
		case <-ticker.C:
		}

		wg.Add(1)
		go func(userID string) {
			defer wg.Done()
			runUser(ctx, cfg, stats, userID, bar)
		}(strconv.Itoa(i))
	}

	reportTicker := time.NewTicker(10 * time.Second)
	defer reportTicker.Stop()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	for {
		select {
		case <-done:
			bar.Finish()
			return
		case <-reportTicker.C:
			printProgress(stats)
		}
	}
}

// runUser steady 模式连一次保持到结束；churn 模式反复断开重连
func runUser(ctx context.Context, cfg Config, stats *Stats, userID string, bar *progressbar.ProgressBar) {
	first := true
	for ctx.Err() == nil {
		c := dial(ctx, cfg, stats, userID)
		if first {
			bar.Add(1)
			first = false
		}
		if c == nil {
			sleepCtx(ctx, time.Second)
			continue
		}

		life := cfg.Duration
		if cfg.Mode == "churn" {
			// 打散重连时刻，避免同一批用户同时上下线
			life = cfg.ChurnInterval/2 + rand.N(cfg.ChurnInterval)
		}
		serve(ctx, cfg, stats, c, life)

		if cfg.Mode != "churn" {
			return
		}
	}
}

func dial(ctx context.Context, cfg Config, stats *Stats, userID string) *client {
	atomic.AddInt64(&stats.TotalAttempts, 1)

	u, err := url.Parse(cfg.Target)
	if err != nil {
		stats.recordError(err)
		atomic.AddInt64(&stats.FailedConns, 1)
		return nil
	}
	q := u.Query()
	q.Set("userId", userID)
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
	}

	start := time.Now()
	ws, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		atomic.AddInt64(&stats.FailedConns, 1)
		stats.recordError(err)
		if cfg.Verbose {
			fmt.Printf("用户 %s 连接失败: %v\n", userID, err)
		}
		return nil
	}
	stats.recordLatency(&stats.ConnLatencies, time.Since(start))
	atomic.AddInt64(&stats.SuccessConns, 1)
	atomic.AddInt64(&stats.CurrentConns, 1)

	return &client{userID: userID, conn: ws}
}

func serve(ctx context.Context, cfg Config, stats *Stats, c *client, life time.Duration) {
	defer func() {
		c.wmu.Lock()
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.wmu.Unlock()
		c.conn.Close()
		atomic.AddInt64(&stats.CurrentConns, -1)
	}()

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		readLoop(c, stats)
	}()

	c.query(stats)

	queryTicker := time.NewTicker(cfg.QueryInterval)
	defer queryTicker.Stop()
	timeout := time.After(life)

	for {
		select {
		case <-ctx.Done():
			return
		case <-timeout:
			return
		case <-readDone:
			if ctx.Err() == nil {
				atomic.AddInt64(&stats.Disconnects, 1)
			}
			return
		case <-queryTicker.C:
			c.query(stats)
		}
	}
}

func readLoop(c *client, stats *Stats) {
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		received := time.Now()

		var msg wireMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			stats.recordError(err)
			continue
		}

		switch msg.Type {
		case "userStatus":
			var ev statusEvent
			if err := json.Unmarshal(msg.Data, &ev); err != nil {
				stats.recordError(err)
				continue
			}
			if ev.Status == "online" {
				atomic.AddInt64(&stats.OnlineEvents, 1)
			} else {
				atomic.AddInt64(&stats.OfflineEvents, 1)
			}
			if lag := received.Sub(time.UnixMilli(ev.Timestamp)); lag >= 0 {
				stats.recordLatency(&stats.FanoutLatencies, lag)
			}

		case "friendsStatus":
			atomic.AddInt64(&stats.QueryReplies, 1)
			if sent, ok := c.pending.LoadAndDelete(msg.ID); ok {
				stats.recordLatency(&stats.QueryLatencies, received.Sub(sent.(time.Time)))
			}

		case "error":
			stats.recordError(fmt.Errorf("server error: %s", string(msg.Data)))
		}
	}
}

func (c *client) query(stats *Stats) {
	id := fmt.Sprintf("%s-%d", c.userID, atomic.AddInt64(&c.seq, 1))
	data, _ := json.Marshal(wireMessage{Type: "getFriendsStatus", ID: id, Ts: time.Now().UnixMilli()})

	c.pending.Store(id, time.Now())

	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.pending.Delete(id)
		stats.recordError(err)
		return
	}
	atomic.AddInt64(&stats.QueriesSent, 1)
}

func printProgress(stats *Stats) {
	fmt.Printf("\n[%s] 当前连接: %d | 成功: %d | 失败: %d | 上线/下线通知: %d/%d | 查询: %d/%d\n",
		time.Since(stats.StartTime).Round(time.Second),
		atomic.LoadInt64(&stats.CurrentConns),
		atomic.LoadInt64(&stats.SuccessConns),
		atomic.LoadInt64(&stats.FailedConns),
		atomic.LoadInt64(&stats.OnlineEvents),
		atomic.LoadInt64(&stats.OfflineEvents),
		atomic.LoadInt64(&stats.QueryReplies),
		atomic.LoadInt64(&stats.QueriesSent))
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
