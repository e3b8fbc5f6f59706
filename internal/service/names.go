package service

import (
	"crypto/rand"
	"math/big"
	"strconv"
	"strings"
)

var (
	nameTokens = []string{
		"alex", "anna", "ben", "carla", "chris", "dani", "david", "diego", "elena", "emma",
		"felix", "gabi", "hugo", "iris", "ivan", "jade", "joao", "julia", "kai", "lara",
		"leo", "lucas", "luna", "maya", "marco", "nina", "noah", "olga", "otto", "paula",
		"pedro", "rafa", "rosa", "sam", "sara", "theo", "tina", "vera", "yara", "zoe",
	}
	wordTokens = []string{
		"amber", "blue", "cedar", "cloud", "coral", "delta", "ember", "fern", "frost", "harbor",
		"maple", "meadow", "north", "ocean", "pine", "quartz", "river", "sage", "stone", "swift",
	}
	separators = []string{"", ".", "_", "-"}
)

const (
	passwordAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789!#$%&*+-=?@^_"
	passwordLength   = 16
)

// NameGenerator 生成随机地址前缀与账号密码
type NameGenerator interface {
	LocalPart() string
	Password() string
}

// HumanNameGenerator 生成形如 "maya.river42" 的拟人化前缀
type HumanNameGenerator struct{}

// LocalPart 生成随机前缀
func (HumanNameGenerator) LocalPart() string {
	first := pick(nameTokens)
	second := pick(wordTokens)
	if randInt(4) == 0 {
		second = pick(nameTokens)
	}
	// 偶尔把第一段缩写为首字母
	if randInt(5) == 0 {
		first = first[:1]
	}

	var b strings.Builder
	b.WriteString(first)
	b.WriteString(pick(separators))
	b.WriteString(second)
	if randInt(3) != 0 {
		b.WriteString(strconv.Itoa(10 + randInt(9990)))
	}
	return b.String()
}

// Password 生成 16 位随机密码
func (HumanNameGenerator) Password() string {
	buf := make([]byte, passwordLength)
	for i := range buf {
		buf[i] = passwordAlphabet[randInt(len(passwordAlphabet))]
	}
	return string(buf)
}

func pick(list []string) string {
	return list[randInt(len(list))]
}

func randInt(n int) int {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0
	}
	return int(v.Int64())
}
