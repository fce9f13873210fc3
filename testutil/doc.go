// Package testutil 提供跨包共享的测试辅助函数，
// 包括上下文构造、异步断言与链定义目录夹具。
package testutil
