package main

import (
	"fmt"
	"os"
)

// main 是安灯事故管理系统的命令行入口
func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
