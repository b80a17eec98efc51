package logger

import "log"

func init() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
}

// InitLogger 重新设置标准日志格式，可在测试中重复调用
func InitLogger() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Printf("Logger initialized")
}
