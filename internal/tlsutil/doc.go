// Package tlsutil 提供集中式 TLS 配置：
// API 服务器证书加载、Redis 客户端连接与 health 子命令的 HTTP 客户端（TLS 1.2+，仅 AEAD 密码套件）。
package tlsutil
