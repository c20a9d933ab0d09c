package main

import (
	"chat-relay/auth"
	"flag"
	"fmt"
	"log"
	"os"
	"time"
)

// token mints a bearer token for local testing: ws://host/ws?token=...
func main() {
	identity := flag.String("identity", "", "Identity the token is issued to")
	secret := flag.String("secret", os.Getenv("TOKEN_SECRET"), "HMAC secret, defaults to $TOKEN_SECRET")
	ttl := flag.Duration("ttl", 24*time.Hour, "Token lifetime")
	flag.Parse()

	if *identity == "" || *secret == "" {
		flag.Usage()
		os.Exit(2)
	}

	token, err := auth.GenerateToken([]byte(*secret), *identity, *ttl)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(token)
}
