// Command token issues a bearer token for the escrowd API, signed with
// JWT_SECRET.
//
//	token -sub 0xabc...            agent token
//	token -sub ops -role operator  operator token
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/mbd888/escrowd/internal/auth"
	"github.com/mbd888/escrowd/internal/validation"
)

func main() {
	sub := flag.String("sub", "", "subject: the agent address, or an operator name")
	role := flag.String("role", auth.RoleAgent, "agent or operator")
	ttl := flag.Duration("ttl", 24*time.Hour, "token lifetime")
	flag.Parse()

	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		fail("JWT_SECRET is required")
	}
	switch *role {
	case auth.RoleAgent:
		if !validation.IsValidEthAddress(*sub) {
			fail("agent tokens need -sub set to a 0x address")
		}
	case auth.RoleOperator:
		if *sub == "" {
			fail("-sub is required")
		}
	default:
		fail(fmt.Sprintf("unknown role %q", *role))
	}

	tok, exp, err := auth.NewManager(secret, *ttl).Issue(*sub, *role)
	if err != nil {
		fail(err.Error())
	}
	fmt.Println(tok)
	fmt.Fprintf(os.Stderr, "expires %s\n", exp.Format(time.RFC3339))
}

func fail(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}
