package main

import (
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/signal"

	"github.com/robotalks/uartnet/pkg/status"
)

var (
	mqttURL = "mqtt://localhost:1883/uartnet/"
)

func init() {
	if val := os.Getenv("UARTNET_MQTT_URL"); val != "" {
		mqttURL = val
	}
	flag.StringVar(&mqttURL, "mqtt", mqttURL, "MQTT broker URL.")
}

func main() {
	flag.Parse()
	log.SetFlags(log.Lmicroseconds)

	q, err := status.NewQueueFromURL(mqttURL)
	if err != nil {
		log.Fatalln(err)
	}

	q.Sub("+/state", func(topic string, payload []byte) {
		if len(payload) == 0 {
			log.Printf("%s: offline", topic)
			return
		}
		var doc status.Document
		if err := json.Unmarshal(payload, &doc); err != nil {
			log.Printf("%s: bad document: %v", topic, err)
			return
		}
		log.Printf("%s: %s %s sessions=%d uart->net=%d/%d net->uart=%d/%d dropped=%d",
			doc.ID, doc.State, doc.Remote, doc.Sessions,
			doc.UartToNet.Bytes, doc.UartToNet.Delivered,
			doc.NetToUart.Bytes, doc.NetToUart.Delivered,
			doc.UartToNet.Dropped+doc.NetToUart.Dropped)
	})
	if token := q.Connect(); token.Wait() && token.Error() != nil {
		log.Fatalln(token.Error())
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	<-sigCh
	q.Close()
}
