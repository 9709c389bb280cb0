// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package runtime 把工作流图与消息总线连接起来。

WorkflowAgent 以普通 Agent 的身份注册到 AgentBus：每条入站信封启动一次图运行，
信封 payload 作为初始状态；节点通过 RuntimeContext.Emit 发出的消息经
messagegraph.Executor 路由出去，运行结束后结果以 workflow.completed /
workflow.failed 信封发回路由表，hop 计数沿用触发信封，从而形成带环路保护的闭环。
*/
package runtime
