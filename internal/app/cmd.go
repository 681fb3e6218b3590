package app

import (
	"fmt"
	"io"
)

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はAPIサーバー（REST + /api/live ストリーム）として起動する。
	CommandServe Command = "serve"
	// CommandWorker は期限切れセッションの定期削除ワーカーとして起動する。
	CommandWorker Command = "worker"
	// CommandMigrate はdocuments/sessionsテーブルのマイグレーションを適用する。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck は起動中のサーバーの /health を確認する。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
	// CommandHelp はサブコマンドの一覧を表示する。
	CommandHelp Command = "help"
)

var commands = []struct {
	cmd     Command
	aliases []string
	usage   string
}{
	{CommandServe, nil, "APIサーバーを起動する（既定）"},
	{CommandWorker, nil, "期限切れセッションを定期的に削除する"},
	{CommandMigrate, nil, "データベースマイグレーションを適用する"},
	{CommandHealthcheck, nil, "起動中のサーバーの /health を確認する"},
	{CommandHelp, []string{"-h", "--help"}, "このヘルプを表示する"},
}

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandServeを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}
	for _, c := range commands {
		if args[0] == string(c.cmd) {
			return c.cmd
		}
		for _, alias := range c.aliases {
			if args[0] == alias {
				return c.cmd
			}
		}
	}
	return CommandServe
}

// PrintUsage はサブコマンドの一覧をwに書き出す。
func PrintUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: poflow [command]")
	fmt.Fprintln(w)
	for _, c := range commands {
		fmt.Fprintf(w, "  %-12s %s\n", c.cmd, c.usage)
	}
}
