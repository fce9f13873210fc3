// exnihilo 是链执行引擎的服务入口。
//
// serve 子命令装配配置、日志、遥测、检查点存储与执行监督器，
// 对外提供管理 HTTP 接口（执行列取/入队/取消、熔断器状态）、
// /healthz 健康检查与独立端口上的 Prometheus /metrics。
//
//	exnihilo serve --config config.yaml
//	exnihilo version
//	exnihilo health --addr http://localhost:8080
package main
