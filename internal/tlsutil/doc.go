// Copyright (c) AgentOrch Authors.
// Licensed under the MIT License.

// Package tlsutil 为智能体间 HTTP 调用提供统一的传输层配置
// （TLS 1.2+，仅 AEAD 密码套件，按主机复用空闲连接）。
package tlsutil
