package main

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"sync"
	"time"
)

// Stats 统计数据
type Stats struct {
	mu sync.Mutex

	// 连接统计
	TotalAttempts int64
	SuccessConns  int64
	FailedConns   int64
	CurrentConns  int64
	Disconnects   int64

	// 延迟统计（纳秒）
	ConnLatencies   []int64
	FanoutLatencies []int64 // userStatus 事件时间戳到客户端收到
	QueryLatencies  []int64 // getFriendsStatus 往返

	// 事件统计
	OnlineEvents  int64
	OfflineEvents int64
	QueriesSent   int64
	QueryReplies  int64

	// 错误统计
	Errors map[string]int64

	StartTime time.Time
	EndTime   time.Time
}

func newStats() *Stats {
	return &Stats{Errors: make(map[string]int64), StartTime: time.Now()}
}

func (s *Stats) recordError(err error) {
	msg := err.Error()
	if len(msg) > 50 {
		msg = msg[:50]
	}
	s.mu.Lock()
	s.Errors[msg]++
	s.mu.Unlock()
}

func (s *Stats) recordLatency(dst *[]int64, d time.Duration) {
	s.mu.Lock()
	*dst = append(*dst, d.Nanoseconds())
	s.mu.Unlock()
}

// Result 压测结果
type Result struct {
	Config Config `json:"config"`

	TotalAttempts int64   `json:"total_attempts"`
	SuccessConns  int64   `json:"success_conns"`
	FailedConns   int64   `json:"failed_conns"`
	SuccessRate   float64 `json:"success_rate_percent"`
	Disconnects   int64   `json:"disconnects"`

	ConnLatency   LatencyStats `json:"conn_latency_ms"`
	FanoutLatency LatencyStats `json:"fanout_latency_ms"`
	QueryLatency  LatencyStats `json:"query_latency_ms"`

	OnlineEvents  int64 `json:"online_events"`
	OfflineEvents int64 `json:"offline_events"`
	QueriesSent   int64 `json:"queries_sent"`
	QueryReplies  int64 `json:"query_replies"`

	Errors     map[string]int64 `json:"errors"`
	ActualTime float64          `json:"actual_time_seconds"`
}

// LatencyStats 延迟统计
type LatencyStats struct {
	Count  int     `json:"count"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Avg    float64 `json:"avg"`
	P50    float64 `json:"p50"`
	P90    float64 `json:"p90"`
	P99    float64 `json:"p99"`
	StdDev float64 `json:"std_dev"`
}

func generateResult(cfg Config, s *Stats) Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := Result{
		Config:        cfg,
		TotalAttempts: s.TotalAttempts,
		SuccessConns:  s.SuccessConns,
		FailedConns:   s.FailedConns,
		Disconnects:   s.Disconnects,
		ConnLatency:   calculateLatencyStats(s.ConnLatencies),
		FanoutLatency: calculateLatencyStats(s.FanoutLatencies),
		QueryLatency:  calculateLatencyStats(s.QueryLatencies),
		OnlineEvents:  s.OnlineEvents,
		OfflineEvents: s.OfflineEvents,
		QueriesSent:   s.QueriesSent,
		QueryReplies:  s.QueryReplies,
		Errors:        s.Errors,
		ActualTime:    s.EndTime.Sub(s.StartTime).Seconds(),
	}
	if s.TotalAttempts > 0 {
		r.SuccessRate = float64(s.SuccessConns) / float64(s.TotalAttempts) * 100
	}
	return r
}

func calculateLatencyStats(latencies []int64) LatencyStats {
	if len(latencies) == 0 {
		return LatencyStats{}
	}

	sorted := make([]int64, len(latencies))
	copy(sorted, latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	toMs := func(ns float64) float64 { return ns / 1e6 }

	var sum float64
	for _, v := range sorted {
		sum += float64(v)
	}
	avg := sum / float64(len(sorted))

	var variance float64
	for _, v := range sorted {
		diff := float64(v) - avg
		variance += diff * diff
	}
	variance /= float64(len(sorted))

	pct := func(p int) float64 { return toMs(float64(sorted[len(sorted)*p/100])) }

	return LatencyStats{
		Count:  len(sorted),
		Min:    toMs(float64(sorted[0])),
		Max:    toMs(float64(sorted[len(sorted)-1])),
		Avg:    toMs(avg),
		P50:    pct(50),
		P90:    pct(90),
		P99:    pct(99),
		StdDev: toMs(math.Sqrt(variance)),
	}
}

func outputJSON(r Result) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "JSON 编码错误: %v\n", err)
		return
	}
	fmt.Println(string(data))
}

func printLatency(title string, l LatencyStats) {
	fmt.Printf("--- %s (ms, n=%d) ---\n", title, l.Count)
	if l.Count == 0 {
		fmt.Println("无数据")
		fmt.Println()
		return
	}
	fmt.Printf("Min %.2f | Avg %.2f | P50 %.2f | P90 %.2f | P99 %.2f | Max %.2f | StdDev %.2f\n\n",
		l.Min, l.Avg, l.P50, l.P90, l.P99, l.Max, l.StdDev)
}

func outputText(r Result) {
	fmt.Println()
	fmt.Println("==================== 压测结果 ====================")
	fmt.Printf("尝试/成功/失败连接: %d / %d / %d (%.2f%%)\n", r.TotalAttempts, r.SuccessConns, r.FailedConns, r.SuccessRate)
	fmt.Printf("意外断开:           %d\n", r.Disconnects)
	fmt.Printf("上线/下线通知:      %d / %d\n", r.OnlineEvents, r.OfflineEvents)
	fmt.Printf("好友状态查询:       %d 发出 / %d 回复\n", r.QueriesSent, r.QueryReplies)
	fmt.Println()

	printLatency("连接延迟", r.ConnLatency)
	printLatency("状态推送延迟", r.FanoutLatency)
	printLatency("好友状态查询延迟", r.QueryLatency)

	if len(r.Errors) > 0 {
		fmt.Println("--- 错误统计 ---")
		for err, count := range r.Errors {
			fmt.Printf("%s: %d\n", err, count)
		}
		fmt.Println()
	}
	fmt.Printf("--- 运行时间: %.2f 秒 ---\n", r.ActualTime)
}

func outputCSV(r Result) {
	fmt.Println("metric,value")
	fmt.Printf("mode,%s\n", r.Config.Mode)
	fmt.Printf("target,%s\n", r.Config.Target)
	fmt.Printf("users,%d\n", r.Config.Users)
	fmt.Printf("duration_seconds,%.2f\n", r.ActualTime)
	fmt.Printf("success_conns,%d\n", r.SuccessConns)
	fmt.Printf("failed_conns,%d\n", r.FailedConns)
	fmt.Printf("online_events,%d\n", r.OnlineEvents)
	fmt.Printf("offline_events,%d\n", r.OfflineEvents)
	fmt.Printf("conn_latency_p50_ms,%.2f\n", r.ConnLatency.P50)
	fmt.Printf("conn_latency_p99_ms,%.2f\n", r.ConnLatency.P99)
	fmt.Printf("fanout_latency_p50_ms,%.2f\n", r.FanoutLatency.P50)
	fmt.Printf("fanout_latency_p99_ms,%.2f\n", r.FanoutLatency.P99)
	fmt.Printf("query_latency_p50_ms,%.2f\n", r.QueryLatency.P50)
	fmt.Printf("query_latency_p99_ms,%.2f\n", r.QueryLatency.P99)
}
