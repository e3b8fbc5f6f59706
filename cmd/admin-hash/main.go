package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"

	"tempmail/relay/internal/auth"
)

func main() {
	token := flag.String("token", "", "管理令牌，留空时从标准输入读取")
	generate := flag.Bool("generate", false, "随机生成一个管理令牌")
	verify := flag.String("verify", "", "校验令牌是否匹配给定的 bcrypt 哈希")
	flag.Parse()

	value := strings.TrimSpace(*token)
	switch {
	case *generate:
		value = strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
	case value == "":
		fmt.Fprint(os.Stderr, "admin token: ")
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			fmt.Fprintf(os.Stderr, "Failed to read token: %v\n", err)
			os.Exit(1)
		}
		value = strings.TrimSpace(line)
	}

	if *verify != "" {
		if err := auth.NewAdminGate(*verify).Verify(value); err != nil {
			fmt.Fprintf(os.Stderr, "✗ token does not match: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("✓ token matches")
		return
	}

	hash, err := auth.HashToken(value)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to hash token: %v\n", err)
		os.Exit(1)
	}

	if *generate {
		fmt.Printf("Token: %s\n", value)
	}
	fmt.Printf("TEMPMAIL_ADMIN_TOKEN_HASH=%s\n", hash)
}
