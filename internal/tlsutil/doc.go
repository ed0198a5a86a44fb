// Package tlsutil 提供集中式 TLS 加固配置（TLS 1.2+，仅 AEAD 密码套件），
// 供 Provider 适配器与下游服务客户端的 HTTP 连接复用。
package tlsutil
