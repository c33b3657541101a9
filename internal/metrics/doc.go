/*
包 metrics 提供基于 Prometheus 的指标采集，覆盖 HTTP 入站请求、
任务生命周期、出站客户端、指纹缓存与工作流步骤。

# 概述

Collector 通过 promauto 自动注册全部指标，按 namespace 隔离。
它同时实现各组件声明的 Recorder 接口，由 cmd/agentbridge 统一注入。

# 主要能力

  - HTTP 指标：请求总数、耗时、请求/响应体大小，状态码归类为 2xx/3xx/4xx/5xx。
  - 任务指标：创建数、按 from/to 分组的状态迁移数、按终态分组的完成数。
  - 客户端指标：发送次数（ok/error/timeout/reused）、发送耗时、轮询次数、重试次数。
  - 缓存指标：指纹缓存命中与未命中。
  - 工作流指标：按步骤与结果分组的执行次数与耗时。
*/
package metrics
