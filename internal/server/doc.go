// Copyright (c) AgentOrch Authors.
// Licensed under the MIT License.

/*
Package server 管理 agentorch 进程内 HTTP 服务的生命周期。

Manager 封装 net/http.Server：Start 非阻塞地监听并服务，
Wait 在上下文结束或服务异常退出时返回，Shutdown 在配置的
超时内排空请求。监听 :0 时可通过 ListenAddr 取得实际地址。
信号处理由调用方负责，通常配合 signal.NotifyContext 使用。
*/
package server
