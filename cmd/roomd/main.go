package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/fx"

	"github.com/5-re-5/smore-front-sub000/internal/daemon"
	"github.com/5-re-5/smore-front-sub000/internal/paths"
)

func main() {
	roomFlag := flag.String("room", "", "room id to join (required)")
	selfFlag := flag.String("self", "", "local participant id (required)")
	nameFlag := flag.String("name", "", "display name shown on sent messages")
	avatarFlag := flag.String("avatar", "", "avatar reference attached to sent messages")
	httpFlag := flag.String("server", "", "history API base URL (overrides config)")
	wsFlag := flag.String("ws", "", "live connection URL (overrides config)")
	flag.Parse()

	if *roomFlag == "" || *selfFlag == "" {
		fmt.Fprintln(os.Stderr, "error: -room and -self are required")
		flag.Usage()
		os.Exit(1)
	}
	for _, id := range []string{*roomFlag, *selfFlag} {
		if err := paths.ValidateID(id); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	}

	displayName := *nameFlag
	if displayName == "" {
		displayName = *selfFlag
	}

	app := fx.New(
		daemon.Module(daemon.Params{
			RoomID:      *roomFlag,
			SelfID:      *selfFlag,
			DisplayName: displayName,
			AvatarRef:   *avatarFlag,
			Token:       os.Getenv("SMORE_TOKEN"),
			HTTPURL:     *httpFlag,
			WSURL:       *wsFlag,
		}),
	)

	app.Run()
}
