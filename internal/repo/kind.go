package repo

import (
	"fmt"
	"strings"
)

// Kind 是仓库类型的封闭枚举。
type Kind uint8

const (
	KindModel Kind = iota + 1
	KindDataset
	KindSpace
)

// Kinds 按固定顺序返回全部仓库类型，供统计接口遍历。
func Kinds() []Kind {
	return []Kind{KindModel, KindDataset, KindSpace}
}

// ParseKind 接受单数/复数两种写法（model/models），大小写不敏感。
func ParseKind(raw string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "model", "models":
		return KindModel, nil
	case "dataset", "datasets":
		return KindDataset, nil
	case "space", "spaces":
		return KindSpace, nil
	default:
		return 0, fmt.Errorf("unknown repo kind %q", raw)
	}
}

func (k Kind) String() string {
	switch k {
	case KindModel:
		return "model"
	case KindDataset:
		return "dataset"
	case KindSpace:
		return "space"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Plural 用作存储目录名与统计分组键。
func (k Kind) Plural() string {
	return k.String() + "s"
}

// URLPrefix 返回 Hub 上该类型仓库的路径前缀；模型仓库没有前缀。
func (k Kind) URLPrefix() string {
	switch k {
	case KindDataset:
		return "datasets/"
	case KindSpace:
		return "spaces/"
	default:
		return ""
	}
}

// Valid reports whether k is one of the three known kinds.
func (k Kind) Valid() bool {
	return k == KindModel || k == KindDataset || k == KindSpace
}

// MarshalText 让 Kind 在 JSON/CBOR 中以字符串形式出现。
func (k Kind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("invalid repo kind %d", uint8(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText is the inverse of MarshalText.
func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
