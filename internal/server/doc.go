// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 server 提供 HTTP 服务器生命周期管理：非阻塞启动、优雅关闭
与异步错误传播。agentgraph serve 用它分别托管管理 API 与
Prometheus metrics 端点。

  - Manager：封装 net/http.Server 与 net.Listener，提供
    Start/Shutdown/Errors/Addr。
  - Config / ConfigFrom：监听地址、超时与请求头大小，可由
    config.ServerConfig 推导。
*/
package server
