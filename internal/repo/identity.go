package repo

import (
	"errors"
	"net/url"
	"path"
	"strings"
)

// Identity 标识远端仓库的一个快照（类型 + 组织 + 名称 + 修订版本），构造后不可变。
type Identity struct {
	Kind         Kind   `json:"kind" cbor:"kind"`
	Organization string `json:"organization,omitempty" cbor:"org,omitempty"`
	Name         string `json:"name" cbor:"name"`
	Revision     string `json:"revision" cbor:"rev"`
}

// NewIdentity 校验各字段后构造 Identity。组织可以为空（如 gpt2 这类根级模型）。
func NewIdentity(kind Kind, organization, name, revision string) (Identity, error) {
	if !kind.Valid() {
		return Identity{}, errors.New("repo kind required")
	}
	if err := validSegment(name); err != nil {
		return Identity{}, err
	}
	if organization != "" {
		if err := validSegment(organization); err != nil {
			return Identity{}, err
		}
	}
	if strings.TrimSpace(revision) == "" {
		return Identity{}, errors.New("revision required")
	}
	if revision == "." || revision == ".." {
		return Identity{}, errors.New("invalid revision")
	}
	return Identity{Kind: kind, Organization: organization, Name: name, Revision: revision}, nil
}

// FullName 返回 org/name，组织为空时只返回 name。
func (id Identity) FullName() string {
	if id.Organization == "" {
		return id.Name
	}
	return id.Organization + "/" + id.Name
}

// RepoPath 返回 Hub 上的仓库路径（含类型前缀），不带修订版本。
func (id Identity) RepoPath() string {
	return id.Kind.URLPrefix() + id.FullName()
}

// ResolvePath 构造文件的 resolve 路径，修订版本会做转义以容纳 refs/pr/1 这类分支名。
func (id Identity) ResolvePath(filePath string) string {
	return "/" + id.RepoPath() + "/resolve/" + url.PathEscape(id.Revision) + "/" + strings.TrimPrefix(filePath, "/")
}

// IsCommit 判断修订版本是否是完整的 40 位提交哈希。
func (id Identity) IsCommit() bool {
	if len(id.Revision) != 40 {
		return false
	}
	for _, r := range id.Revision {
		if !strings.ContainsRune("0123456789abcdef", r) {
			return false
		}
	}
	return true
}

func (id Identity) String() string {
	return id.Kind.String() + ":" + id.FullName() + "@" + id.Revision
}

func validSegment(seg string) error {
	if seg == "" {
		return errors.New("empty path segment")
	}
	if seg == "." || seg == ".." || strings.ContainsAny(seg, "/\\") {
		return errors.New("invalid path segment")
	}
	return nil
}

// CleanFilePath 规范化仓库内文件路径，拒绝逃逸到仓库外的路径。
func CleanFilePath(raw string) (string, error) {
	if strings.Contains(raw, "\\") {
		return "", errors.New("invalid file path")
	}
	trimmed := strings.TrimPrefix(raw, "/")
	if trimmed == "" {
		return "", errors.New("file path required")
	}
	for _, seg := range strings.Split(trimmed, "/") {
		if seg == ".." {
			return "", errors.New("file path escapes repository")
		}
	}
	clean := path.Clean("/" + trimmed)
	clean = strings.TrimPrefix(clean, "/")
	if clean == "" || clean == "." {
		return "", errors.New("file path required")
	}
	return clean, nil
}
