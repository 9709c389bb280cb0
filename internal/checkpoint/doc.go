// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 checkpoint 提供基于 Redis 的工作流 checkpoint 存储。

RedisStore 实现 workflow.Checkpointer：每个 run 只保留最新一份
checkpoint，存为哈希（graph 与 JSON data 两个字段，带 TTL）。写入与删除
通过 Lua 脚本同时维护按图名划分的未完成 run 索引，
进程重启后可通过 List 找出待恢复的 run，再交给 Executor.Resume。
*/
package checkpoint
