// Command admintoken prints a bearer token for the chatguard admin API.
//
//	ADMIN_JWT_SECRET=... admintoken -sub ops@example.com -ttl 12h
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"

	"github.com/softiel/chatguard/internal/auth"
)

func main() {
	subject := flag.String("sub", "", "token subject, e.g. the operator's email")
	ttl := flag.Duration("ttl", time.Hour, "token lifetime")
	scope := flag.String("scope", auth.ScopeAdmin, "token scope")
	flag.Parse()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig()
	v.AutomaticEnv()
	secret := v.GetString("ADMIN_JWT_SECRET")

	if *subject == "" {
		fmt.Fprintln(os.Stderr, "admintoken: -sub is required")
		os.Exit(2)
	}
	if secret == "" {
		fmt.Fprintln(os.Stderr, "admintoken: ADMIN_JWT_SECRET is not set")
		os.Exit(2)
	}

	token, err := auth.GenerateToken(*subject, *scope, secret, *ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "admintoken: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
}
