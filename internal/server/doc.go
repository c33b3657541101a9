// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 server 提供 HTTP 服务器生命周期管理，支持非阻塞启动与优雅关闭。

# 概述

Manager 封装 net/http.Server，统一管理监听、服务、关闭与错误传播。
cmd/agentbridge 为任务协议端口与 /metrics 端口各创建一个 Manager，
通过 Run 挂到 errgroup 上，随进程上下文一同退出。

# 主要能力

  - 非阻塞启动：Start 在后台 goroutine 中运行服务。
  - 阻塞运行：Run 在 ctx 结束时优雅关闭，服务异常时返回错误。
  - 优雅关闭：Shutdown 在配置的超时内完成请求排空。
  - 状态查询：IsRunning/Addr/ListenAddr。
*/
package server
