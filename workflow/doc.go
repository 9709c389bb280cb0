// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package workflow 提供基于状态图的工作流编排与执行引擎。

# 概述

一个图由命名节点（NodeFunc）、静态边、以及按 key 固定的 Reducer 组成。
GraphBuilder 在 Compile 时完成全部校验（悬空边、重复节点、未声明的 Goto
目标、终止可达性），之后得到不可变的 CompiledGraph，可被多个 goroutine
并发 Run。单次 Run 严格串行推进。

# 核心类型

  - NodeFunc / NodeFuncOf: 节点接口 Call(ctx, state, rc) (Command, error)
  - Command: Continue / Goto / Return，附带 StateUpdate
  - Reducer: Overwrite / Append / Merge（封闭集合，可选 strict 模式）
  - GraphState: JSON 风格的运行状态，只能经 Reducer 修改
  - GraphBuilder: Fluent API 构建并编译图
  - CompiledGraph: 基于整数索引的邻接结构
  - Executor: 运行循环：步数上限、取消检查、Checkpoint、OTel span
  - SwitchNode / ConditionNode: 按状态字段或表达式分支
  - Capability: 节点访问外部协作者的窄接口
  - CircuitBreaker: 包装 Capability，连续失败后熔断
  - GraphDefinition: YAML / JSON 声明式定义

# 错误

构建期错误为 *GraphError（通过 errors.Join 汇总全部缺陷），运行期错误为
*ExecutionError，Kind 区分 NoEdge、NoTermination、Cancelled 等。
*/
package workflow
