// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 cache 管理进程共享的 Redis 连接。

# 概述

Manager 封装 go-redis 客户端，负责建连时的 Ping、后台健康检查与关闭。
指纹缓存（fingerprint.RedisCache）与状态事件出口（lifecycle.RedisSink）
通过 Client() 共用同一个连接池，健康状态由 /health 端点读取。

# 主要能力

  - 连接池管理：通过 PoolSize 与 MinIdleConns 控制连接复用。
  - 健康检查：后台定时 Ping，状态变化时通过 zap 日志告警。
  - 优雅关闭：Close 先停止健康检查再释放连接。
*/
package cache
