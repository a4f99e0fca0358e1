// Package cachestats 提供缓存的只读统计视图：按仓库类型汇总、仓库列表/搜索/详情、
// 命中率与上游流量计数器，以及存储目录所在磁盘的使用情况。它只读取 cache.Store 的快照，
// 从不修改缓存状态。
package cachestats
