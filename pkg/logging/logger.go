// Package logging はzerologによる構造化ロガーの生成を提供する。
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Config はロガーの設定。
type Config struct {
	// Level はログレベル（debug, info, warn, error）。不正な値の場合はinfoとなる。
	Level string
	// Pretty がtrueの場合、人間向けのコンソール形式で出力する。
	Pretty bool
	// Writer は出力先。nilの場合は標準出力。
	Writer io.Writer
}

// New は設定に従ってロガーを生成する。
// 既定ではJSON形式で1行1レコードを出力する。
func New(cfg Config) zerolog.Logger {
	var output io.Writer = os.Stdout
	if cfg.Writer != nil {
		output = cfg.Writer
	}

	if cfg.Pretty {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	return zerolog.New(output).Level(level).With().Timestamp().Logger()
}

// Nop は何も出力しないロガーを返す。テストで使用する。
func Nop() zerolog.Logger {
	return zerolog.Nop()
}
