package repo

import (
	"errors"
	"net/url"
	"strings"
)

// ErrNotResolvePath 表示请求路径不是文件 resolve 路径，应走透传。
var ErrNotResolvePath = errors.New("not a resolve path")

// ParseResolvePath 解析 Hub 的文件下载路径：
//
//	/{org}/{name}/resolve/{rev}/{file}
//	/{name}/resolve/{rev}/{file}
//	/datasets/{org}/{name}/resolve/{rev}/{file}
//	/spaces/{org}/{name}/resolve/{rev}/{file}
//
// rawPath 应为未解码的 URL 路径，以便保留修订版本里被转义的斜杠。
func ParseResolvePath(rawPath string) (Identity, string, error) {
	segments := strings.Split(strings.Trim(rawPath, "/"), "/")
	resolveAt := -1
	for i, seg := range segments {
		if seg == "resolve" {
			resolveAt = i
			break
		}
	}
	if resolveAt < 1 || len(segments) < resolveAt+3 {
		return Identity{}, "", ErrNotResolvePath
	}

	head := segments[:resolveAt]
	kind := KindModel
	switch head[0] {
	case "datasets":
		kind, head = KindDataset, head[1:]
	case "spaces":
		kind, head = KindSpace, head[1:]
	case "models":
		if len(head) > 1 {
			head = head[1:]
		}
	}

	var org, name string
	switch len(head) {
	case 1:
		name = head[0]
	case 2:
		org, name = head[0], head[1]
	default:
		return Identity{}, "", ErrNotResolvePath
	}
	if kind != KindModel && org == "" {
		return Identity{}, "", ErrNotResolvePath
	}

	org, err := url.PathUnescape(org)
	if err != nil {
		return Identity{}, "", err
	}
	name, err = url.PathUnescape(name)
	if err != nil {
		return Identity{}, "", err
	}
	revision, err := url.PathUnescape(segments[resolveAt+1])
	if err != nil {
		return Identity{}, "", err
	}

	rawFile := strings.Join(segments[resolveAt+2:], "/")
	file, err := url.PathUnescape(rawFile)
	if err != nil {
		return Identity{}, "", err
	}
	file, err = CleanFilePath(file)
	if err != nil {
		return Identity{}, "", err
	}

	id, err := NewIdentity(kind, org, name, revision)
	if err != nil {
		return Identity{}, "", err
	}
	return id, file, nil
}
