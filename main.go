package main

import (
	"context"
	"flag"
	"fmt"
	"os"
)

func main() {
	// 初始化控制台
	InitFlag()
	// 开始安全退出任务
	InitSafeExit()
	// 初始化配置
	InitConf(configPath)
	// 初始化日志
	InitLog()

	run, ok := map[string]func(context.Context) error{
		"serve":    runServe,
		"download": runDownload,
		"import":   runImport,
		"list":     runList,
		"delete":   runDelete,
		"shrink":   runShrink,
		"resume":   runResume,
	}[flag.Arg(0)]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n", flag.Arg(0))
		flag.Usage()
		os.Exit(2)
	}

	if err := run(context.Background()); err != nil {
		log.WithField("command", flag.Arg(0)).Error(err)
		SafeExitInst.exit(1)
	}
	SafeExitInst.exit(0)
}
