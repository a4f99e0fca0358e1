package repo

import (
	"net/url"
	"path"
	"strings"
)

// FileDescriptor 描述一个远端文件。TotalSize 与 Fingerprint 一旦从上游获知即视为权威值；
// 指纹变化意味着缓存中该文件的全部分块失效。
type FileDescriptor struct {
	// Hub 是提供该文件的 Hub 名称，用于隔离多个上游的缓存命名空间。
	Hub         string   `json:"hub" cbor:"hub"`
	Repo        Identity `json:"repo" cbor:"repo"`
	Path        string   `json:"path" cbor:"path"`
	TotalSize   int64    `json:"total_size" cbor:"size"`
	Fingerprint string   `json:"fingerprint" cbor:"fp"`
	// ContentURL 是解析指针/重定向之后真正承载字节的地址。
	ContentURL string `json:"content_url,omitempty" cbor:"url,omitempty"`
	// Commit 是上游返回的 X-Repo-Commit。
	Commit string `json:"commit,omitempty" cbor:"commit,omitempty"`
	// LFS 表示该文件经由大对象指针解析（X-Linked-Etag）。
	LFS bool `json:"lfs,omitempty" cbor:"lfs,omitempty"`
}

// StorageKey 唯一定位一个缓存条目：hub/kind/org/name/revision/path。
// 修订版本经过转义，保证 key 的层级与磁盘目录一一对应。
func (d FileDescriptor) StorageKey() string {
	org := d.Repo.Organization
	if org == "" {
		org = "_"
	}
	parts := []string{
		d.Hub,
		d.Repo.Kind.Plural(),
		org,
		d.Repo.Name,
		url.PathEscape(d.Repo.Revision),
		d.Path,
	}
	return path.Join(parts...)
}

// SameContent 判断两个描述符是否指向同一代内容。
func (d FileDescriptor) SameContent(other FileDescriptor) bool {
	return d.Fingerprint == other.Fingerprint && d.TotalSize == other.TotalSize
}

// NormalizeETag 去掉弱校验前缀与引号，使 ETag 可以直接比较。
func NormalizeETag(value string) string {
	value = strings.TrimSpace(value)
	value = strings.TrimPrefix(value, "W/")
	return strings.Trim(value, "\"")
}
