// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 database 提供 GORM 连接池管理与死信归档。

  - Open：按 postgres / mysql / sqlite 驱动打开连接。
  - PoolManager：连接池参数、健康检查、事务与可重试事务。
  - Archive：订阅 AgentBus 的死信事件，经工作池异步写入
    dead_letters 表，支持按原因 / 类型 / 时间查询、汇总与清理。
*/
package database
