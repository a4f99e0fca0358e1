// Package repo 描述被镜像 Hub 上的仓库身份与文件描述符，并负责解析
// /{kind}/{org}/{name}/resolve/{revision}/{path} 形式的请求路径。
// 仓库类型（model/dataset/space）是一个封闭集合，类型相关的差异只存在于
// URL 前缀与存储目录命名上，其余逻辑由 cache/fetch/proxy 共享。
package repo
