// Package proxy 实现镜像的请求处理：resolve 路径走 解析描述符 → 打开缓存条目 →
// 计算缺失分块 → 等待下载协调器 → 按字节顺序流式返回 的流程；其余路径原样透传到上游 Hub。
package proxy
