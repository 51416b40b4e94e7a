package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wfunc/partyserver/network"
	"github.com/wfunc/partyserver/room"
	"github.com/wfunc/partyserver/rules"
)

// send frames data and writes it to the server.
func send(c *websocket.Conn, msgID uint16, v any) error {
	var data []byte
	if v != nil {
		var err error
		if data, err = json.Marshal(v); err != nil {
			return err
		}
	}
	packet, err := network.Encode(msgID, data)
	if err != nil {
		return err
	}
	return c.WriteMessage(websocket.BinaryMessage, packet)
}

// parseCommand turns a stdin line into an action. Lines that are not one of
// the shortcuts are sent as "<type> [json payload]".
func parseCommand(line string) (network.ActionRequest, error) {
	verb, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	payload := func(v any) (network.ActionRequest, error) {
		raw, err := json.Marshal(v)
		return network.ActionRequest{Type: verb, Payload: raw}, err
	}
	number := func(key string) (network.ActionRequest, error) {
		n, err := strconv.Atoi(rest)
		if err != nil {
			return network.ActionRequest{}, fmt.Errorf("%s needs a number", verb)
		}
		return payload(map[string]int{key: n})
	}

	switch verb {
	case "start":
		return network.ActionRequest{Type: room.ActionStartGame}, nil
	case "next":
		return network.ActionRequest{Type: room.ActionNextRound}, nil
	case "end":
		return network.ActionRequest{Type: room.ActionEndGame}, nil
	case rules.ActionAnswer:
		return number("choice")
	case rules.ActionGuess:
		return number("value")
	case rules.ActionClue:
		return payload(map[string]string{"clue": rest})
	case rules.ActionLetter, rules.ActionBuyVowel:
		return payload(map[string]string{"letter": rest})
	case rules.ActionSolve:
		return payload(map[string]string{"guess": rest})
	}

	req := network.ActionRequest{Type: verb}
	if rest != "" {
		if !json.Valid([]byte(rest)) {
			return req, fmt.Errorf("payload for %s is not valid JSON", verb)
		}
		req.Payload = json.RawMessage(rest)
	}
	return req, nil
}

func main() {
	addr := flag.String("addr", "localhost:8080", "server address")
	code := flag.String("room", "PARTY", "room code")
	game := flag.String("game", rules.GameTrivia, "game type")
	rounds := flag.Int("rounds", 3, "total rounds")
	name := flag.String("name", "player", "display name")
	userID := flag.String("user", "", "stable user id for reconnects")
	host := flag.Bool("host", false, "attach as the room display")
	flag.Parse()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	u := url.URL{Scheme: "ws", Host: *addr, Path: "/ws"}
	log.Printf("Connecting to %s", u.String())

	c, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatalf("Dial failed: %v", err)
	}
	defer c.Close()

	done := make(chan struct{})

	// Read loop
	go func() {
		defer close(done)
		for {
			_, message, err := c.ReadMessage()
			if err != nil {
				log.Println("Read error:", err)
				return
			}
			packet, err := network.Decode(message)
			if err != nil {
				log.Printf("Received invalid packet: %v", err)
				continue
			}
			log.Printf("<- RECV (ID: %d): %s", packet.MsgID, packet.Data)
		}
	}()

	join := network.JoinRoomRequest{
		RoomCode:    *code,
		GameType:    *game,
		TotalRounds: *rounds,
		UserID:      *userID,
		Name:        *name,
		Host:        *host,
	}
	if err := send(c, network.MsgTypeJoinRoom, join); err != nil {
		log.Println("Write error:", err)
		return
	}

	actionID := uint16(network.MsgTypePlayerAction)
	if *host {
		actionID = network.MsgTypeHostAction
	}
	log.Println("Joined. Commands: start, next, end, answer N, guess N, clue TEXT, spin, letter X, buy_vowel X, solve TEXT, leave.")

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- strings.TrimSpace(scanner.Text())
		}
		close(lines)
	}()

	heartbeat := time.NewTicker(20 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-done:
			return
		case <-heartbeat.C:
			if err := send(c, network.MsgTypeHeartbeat, nil); err != nil {
				log.Println("Write error:", err)
				return
			}
		case <-interrupt:
			log.Println("Interrupt received, closing connection.")
			err := c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			if err != nil {
				log.Println("Write close error:", err)
			}
			select {
			case <-done:
			case <-time.After(time.Second):
			}
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if line == "" {
				continue
			}
			if line == "leave" {
				if err := send(c, network.MsgTypeLeaveRoom, nil); err != nil {
					log.Println("Write error:", err)
				}
				continue
			}
			req, err := parseCommand(line)
			if err != nil {
				log.Println(err)
				continue
			}
			if err := send(c, actionID, req); err != nil {
				log.Println("Write error:", err)
				return
			}
			log.Printf("-> SENT: %s", req.Type)
		}
	}
}
