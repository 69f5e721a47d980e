package main

import (
	"flag"
	"fmt"

	"github.com/osmogr/meshtastic-pingbot/pkg/auth"
)

func main() {
	password := flag.String("password", "", "Password to hash; empty generates a random one")
	length := flag.Int("length", 16, "Length of a generated password in bytes (will be hex encoded, so output is 2x this)")
	flag.Parse()

	pw := *password
	if pw == "" {
		var err error
		pw, err = auth.RandomHex(*length)
		if err != nil {
			fmt.Printf("Error generating password: %v\n", err)
			return
		}
		fmt.Printf("Password: %s\n", pw)
	}

	salt, err := auth.RandomHex(16)
	if err != nil {
		fmt.Printf("Error generating salt: %v\n", err)
		return
	}
	hash := auth.HashPasswordWithSalt(pw, salt)

	fmt.Println("Add to your environment or .env file:")
	fmt.Printf("DASHBOARD_PASSWORD_HASH=%s\n", hash)
	fmt.Printf("DASHBOARD_SALT=%s\n", salt)
}
