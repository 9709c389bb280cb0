// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package bus 提供 Agent 之间基于有界 channel 的消息总线。

# 概述

AgentBus 维护三张注册表：Agent 收件箱、Topic 订阅、Stream 消费者。
注册表只由一把互斥锁保护，所有可能阻塞的发送都在释放锁之后进行，
因此慢消费者不会阻塞注册、注销或订阅。

# 投递语义

  - SendTo: 点对点，收件箱满时挂起，可被 ctx 取消
  - Publish: Topic 扇出，每个订阅者收到独立副本
  - Broadcast: 发送给除 Sender 外的全部 Agent
  - PublishStream: 分配严格递增的序号，按序号顺序投递给每个消费者

注销 Agent 会以 ErrAgentNotRegistered 释放阻塞在其收件箱上的发送方；
已排队的消息仍可被 Receive 取出。

# 死信

DeadLetter 为信封附加 x-dead-letter-reason 等头部，写入环形日志，
通知事件监听者，并在配置了死信 Topic 时发布到该 Topic。
*/
package bus
