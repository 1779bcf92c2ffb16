// Command tgdhdemo runs a scripted TGDH session entirely in-process:
// it builds a group, performs the initial key exchange, admits one
// new member, removes one member, prints the group key after each
// step, and prints the final tree. It exists to exercise pkg/tgdh end to end without
// a real transport; see pkg/net/memtransport for the Messenger it
// wires up.
package main

import (
	"flag"
	"fmt"
	"os"

	logging "github.com/ipfs/go-log/v2"

	"github.com/keep-network/tgdh/pkg/net/memtransport"
	"github.com/keep-network/tgdh/pkg/tgdh/group"
	"github.com/keep-network/tgdh/pkg/tgdh/keyengine"
	"github.com/keep-network/tgdh/pkg/tgdh/member"
)

var logger = logging.Logger("tgdh-demo")

func main() {
	size := flag.Int("size", 4, "initial group size")
	flag.Parse()

	if err := run(*size); err != nil {
		logger.Error(err)
		os.Exit(1)
	}
}

func run(size int) error {
	if err := logging.SetLogLevel("*", "info"); err != nil {
		return err
	}
	if size < 2 {
		return fmt.Errorf("tgdhdemo: -size must be at least 2")
	}

	hub := memtransport.NewHub()
	engine := keyengine.New(keyengine.DemoParams())
	coordinator := group.NewCoordinator()

	sessions := make([]*member.Session, size)
	for i := 0; i < size; i++ {
		s := member.NewSession(engine, hub.NewClient())
		if err := s.Initialise(size, i+1); err != nil {
			return fmt.Errorf("initialise member %d: %w", i+1, err)
		}
		sessions[i] = s
	}

	fmt.Printf("-- initial exchange across %d members --\n", size)
	if err := coordinator.RunInitialExchange(sessions); err != nil {
		return fmt.Errorf("initial exchange: %w", err)
	}
	printGroupKey(sessions[0])

	fmt.Println("-- join --")
	newcomer := member.NewSession(engine, hub.NewClient())
	newMID, err := coordinator.RunJoin(sessions, newcomer)
	if err != nil {
		return fmt.Errorf("join: %w", err)
	}
	sessions = append(sessions, newcomer)
	fmt.Printf("member %d joined\n", newMID)
	printGroupKey(sessions[0])

	fmt.Println("-- leave --")
	leavingMID := sessions[0].MID()
	sessions, err = coordinator.RunLeave(sessions, leavingMID)
	if err != nil {
		return fmt.Errorf("leave: %w", err)
	}
	fmt.Printf("member %d left\n", leavingMID)
	printGroupKey(sessions[0])

	return sessions[0].Tree().Render(os.Stdout)
}

func printGroupKey(s *member.Session) {
	key := s.GroupKey()
	if key == nil {
		fmt.Println("group key: <none>")
		return
	}
	fmt.Printf("group key: %s\n", key.String())
}
