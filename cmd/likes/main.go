// likes 命令列版的按讚按鈕
//
// 狀態（是否已按讚、快取讚數）保存在 --data 指定的 bbolt 檔案，
// 連線設定從環境變數或 .env 讀取。
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
