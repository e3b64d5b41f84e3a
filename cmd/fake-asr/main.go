// Command fake-asr is a stand-in recognition backend for local development.
// It accepts the gateway's outbound WebSocket connections, logs received
// audio and language configuration, and emits a fake transcript for every
// batch of audio frames.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/websocket"
)

type configMessage struct {
	Event string `json:"event"`
	Code  string `json:"code"`
}

// framesPerTranscript controls how much audio accumulates before a fake
// transcript is emitted.
const framesPerTranscript = 10

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

func streamHandler(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("upgrade failed: %v", err)
		return
	}
	defer ws.Close()

	log.Printf("gateway connected: %s", r.RemoteAddr)

	language := "en-US"
	frames := 0
	bytes := 0
	transcripts := 0

	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			log.Printf("gateway disconnected: %s (%v)", r.RemoteAddr, err)
			return
		}

		switch msgType {
		case websocket.TextMessage:
			var cfg configMessage
			if err := json.Unmarshal(data, &cfg); err != nil {
				log.Printf("ignoring unparseable control message: %q", data)
				continue
			}
			if cfg.Event == "lang" {
				language = cfg.Code
				log.Printf("language configured: %s", language)
			}

		case websocket.BinaryMessage:
			frames++
			bytes += len(data)

			if frames%framesPerTranscript == 0 {
				transcripts++
				text := fmt.Sprintf("[%s] fake transcript #%d (%d frames, %d bytes so far)",
					language, transcripts, frames, bytes)
				if err := ws.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
					log.Printf("failed to send transcript: %v", err)
					return
				}
			}
		}
	}
}

func main() {
	addr := flag.String("addr", ":8000", "listen address")
	flag.Parse()

	http.HandleFunc("/ws", streamHandler)

	log.Printf("fake ASR backend listening on %s", *addr)
	log.Printf("point the gateway at: ws://localhost%s/ws", *addr)

	if err := http.ListenAndServe(*addr, nil); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}
