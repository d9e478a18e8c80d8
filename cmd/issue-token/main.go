package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	authjwt "bulkmail/backend/internal/auth/jwt"
	"bulkmail/backend/internal/config"
)

// main 签发访问令牌，用于本地调试和运维脚本
//
// 正式环境的令牌由账户系统签发，这里使用同一个 BULKMAIL_JWT_SECRET
func main() {
	userID := flag.Int64("user", 0, "用户ID")
	admin := flag.Bool("admin", false, "签发管理员令牌")
	ttl := flag.Duration("ttl", 24*time.Hour, "有效期")
	flag.Parse()

	if *userID <= 0 {
		fmt.Println("Usage: issue-token -user <id> [-admin] [-ttl 24h]")
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	role := ""
	if *admin {
		role = authjwt.RoleAdmin
	}

	token, err := authjwt.NewManager(cfg.JWT.Secret, cfg.JWT.Issuer).GenerateToken(*userID, role, *ttl)
	if err != nil {
		fmt.Printf("Failed to issue token: %v\n", err)
		os.Exit(1)
	}

	fmt.Fprintf(os.Stderr, "✓ Token issued for user %d (role=%q, expires in %s)\n", *userID, role, *ttl)
	fmt.Println(token)
}
