// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供任务协议桥的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为协议层、生命周期、
客户端引擎与编排器提供统一的错误契约。

# 错误分类

  - TRANSPORT：连接/超时，可重试
  - PROTOCOL：载荷格式异常，有限次数重试后上抛
  - VALIDATION：调用方输入非法，立即上抛
  - EXECUTION：计算图执行失败，任务进入 failed
  - TIMEOUT：轮询超过上限，结果未知

# 主要能力

  - 错误工具链：AsError / WrapError / IsErrorCode / IsRetryable
  - 关联上下文：WithTask / WithStep
*/
package types
