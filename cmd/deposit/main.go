package main

// ============================================================================
// deposit - CLI 應用程式入口點
// ============================================================================
//
// 所有邏輯在 internal/cli；此處只負責 panic recovery、版本資訊與結束碼
//
//   go build -ldflags "-X main.version=1.2.0 -X main.commit=$(git rev-parse HEAD)" -o bin/deposit ./cmd/deposit
//   ./bin/deposit run -c configs/default.yaml
//
// ============================================================================

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/archive-deposit/internal/cli"
)

var (
	version = "dev" // 由 CI 注入
	commit  = "unknown"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", r)
			os.Exit(1)
		}
	}()

	rootCmd := cli.BuildCLI()
	if version != "dev" {
		rootCmd.Version = fmt.Sprintf("%s (commit: %s)", version, commit)
	}

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
