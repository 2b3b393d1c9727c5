package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/archive-deposit/internal/job"
	"github.com/ChuLiYu/archive-deposit/pkg/types"
)

// Task 代表要執行的任務
type Task struct {
	ID      types.JobID   // 任務唯一識別碼
	Job     job.Job       // 要執行的外部程序
	Timeout time.Duration // 執行超時時間，0 表示不限
}

// Result 代表任務執行結果
type Result struct {
	JobID    types.JobID   // 任務 ID
	JobType  string        // 任務類型（工具名稱）
	Success  bool          // 執行是否成功
	Error    error         // 錯誤訊息（如果有）
	Output   string        // 合併的 stdout/stderr
	ExitCode int           // 程序退出碼
	Duration time.Duration // 實際執行時間
}

// Executor runs one job to completion. job.Execute is the production executor.
type Executor func(ctx context.Context, j job.Job) (*job.Result, error)
