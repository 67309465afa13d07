package status

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/golang/glog"

	"github.com/robotalks/uartnet/pkg/bridge"
	fx "github.com/robotalks/uartnet/pkg/framework"
)

// PublishTimeout bounds the wait for a publish acknowledgement.
const PublishTimeout = 500 * time.Millisecond

// Source provides the status to report.
type Source interface {
	Status() bridge.Status
}

// Publisher publishes a payload to a topic.
type Publisher interface {
	PubWith(topic string, payload []byte, qos byte, retain bool) paho.Token
}

// Document is the retained state document.
type Document struct {
	ID   string    `json:"id"`
	Time time.Time `json:"time"`
	bridge.Status
}

// Reporter logs and publishes the bridge status whenever it changes.
// Publishing is disabled when Publisher is nil.
type Reporter struct {
	Source    Source
	Publisher Publisher
	DeviceID  string

	queue *Queue

	lock    sync.Mutex
	last    bridge.Status
	hasLast bool
	force   bool
	loopCtl fx.LoopControl
}

// NewReporter creates a Reporter. An empty brokerURL disables MQTT.
func NewReporter(source Source, deviceID, brokerURL string) (*Reporter, error) {
	r := &Reporter{Source: source, DeviceID: deviceID}
	if brokerURL == "" {
		return r, nil
	}
	opts, topicPrefix, err := ClientOptionsFromURL(brokerURL)
	if err != nil {
		return nil, fmt.Errorf("invalid MQTT URL %q: %v", brokerURL, err)
	}
	opts.SetBinaryWill(topicPrefix+r.StateTopic(), nil, 1, true)
	if opts.ClientID == "" {
		opts.SetClientID("uartnet:" + deviceID)
	}
	r.queue = NewQueue(opts, topicPrefix)
	r.queue.OnConnect = func(*Queue) { r.Refresh() }
	r.Publisher = r.queue
	return r, nil
}

// StateTopic is the topic of the state document, relative to the prefix.
func (r *Reporter) StateTopic() string {
	return r.DeviceID + "/state"
}

// RefreshTopic is the topic which forces a report on any message.
func (r *Reporter) RefreshTopic() string {
	return r.DeviceID + "/refresh"
}

// Refresh forces the next iteration to report and triggers it.
func (r *Reporter) Refresh() {
	r.lock.Lock()
	r.force = true
	ctl := r.loopCtl
	r.lock.Unlock()
	if ctl != nil {
		ctl.TriggerNext()
	}
}

// AddToLoop implements LoopAdder.
func (r *Reporter) AddToLoop(loop *fx.Loop) {
	loop.AddController(r)
	loop.AddRunnable(r)
}

// Name implements Named.
func (r *Reporter) Name() string {
	return "status"
}

// Run implements Runnable. It keeps the MQTT connection and clears the
// retained state on exit.
func (r *Reporter) Run(ctx context.Context) error {
	r.lock.Lock()
	r.loopCtl = fx.LoopCtlFrom(ctx)
	r.lock.Unlock()
	if r.queue == nil {
		<-ctx.Done()
		return nil
	}
	r.queue.Sub(r.RefreshTopic(), func(string, []byte) { r.Refresh() })
	go func() {
		if token := r.queue.Connect(); token.Wait() && token.Error() != nil {
			glog.Errorf("mqtt connect error: %v", token.Error())
		}
	}()
	<-ctx.Done()
	r.queue.PubWith(r.StateTopic(), nil, 1, true).WaitTimeout(PublishTimeout)
	r.queue.Close()
	return nil
}

// Control implements Controller.
func (r *Reporter) Control(ctx fx.ControlContext) error {
	st := r.Source.Status()
	r.lock.Lock()
	changed := r.force || !r.hasLast || st != r.last
	r.force = false
	r.lock.Unlock()
	if !changed {
		return nil
	}

	doc, err := json.Marshal(&Document{ID: r.DeviceID, Time: ctx.Time(), Status: st})
	if err != nil {
		return err
	}
	glog.V(1).Infof("status %s", doc)
	if r.Publisher != nil {
		token := r.Publisher.PubWith(r.StateTopic(), doc, 1, true)
		// when not connected, the status is published again on connect.
		if token.WaitTimeout(PublishTimeout) && token.Error() != nil && token.Error() != paho.ErrNotConnected {
			return fmt.Errorf("publish status error: %v", token.Error())
		}
	}
	r.lock.Lock()
	r.last, r.hasLast = st, true
	r.lock.Unlock()
	return nil
}
