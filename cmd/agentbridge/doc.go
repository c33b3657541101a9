// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package main 提供 agentbridge 服务端程序入口。

# 概述

cmd/agentbridge 把计算图或多代理工作流暴露为任务协议代理，
同时提供向对端代理发送单条消息的命令行客户端。

# 核心类型

  - Server：组装任务存储、事件分发、执行器或编排器，管理协议与指标双端口
  - Middleware：HTTP 中间件函数签名 func(http.Handler) http.Handler
  - responseWriter：捕获状态码与响应大小，并透传 Flush / Hijack

# 主要能力

  - 子命令：serve、send、version、health
  - 路由：代理卡发现、JSON-RPC 入口、WebSocket 订阅、工作流进度、健康检查
  - 中间件链：Recovery、RequestID、SecurityHeaders、RequestLogger、
    OTelTracing、Metrics、RateLimiter（基于 IP）、JWTAuth（HS256）
  - 状态事件可选广播到 Redis 频道与 RabbitMQ 交换机
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
