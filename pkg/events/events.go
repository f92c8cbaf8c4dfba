package events

import (
	"bytes"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/cyrilix/robocar-protobuf/go/events"
	"github.com/cyrilix/robocar-steering-sim/pkg/simulator"
	"github.com/disintegration/imaging"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/golang/protobuf/proto"
	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/timestamppb"
)

const frameRefName = "steering-sim"

// ResultSource emits the frames displayed by the simulator.
type ResultSource interface {
	SubscribeResults() <-chan *simulator.Result
}

func NewMsgPublisher(srcEvents ResultSource, p Publisher, topicFrame, topicSteering string, maxAngle float64) *MsgPublisher {
	return &MsgPublisher{
		p:             p,
		topicFrame:    topicFrame,
		topicSteering: topicSteering,
		maxAngle:      maxAngle,
		srcEvents:     srcEvents,
		muCancel:      sync.Mutex{},
		cancel:        nil,
	}
}

// MsgPublisher forwards simulator results to the events bus: the segmented frame as jpeg and
// the predicted steering normalized in [-1, 1].
type MsgPublisher struct {
	p             Publisher
	topicFrame    string
	topicSteering string
	maxAngle      float64

	srcEvents ResultSource

	muCancel sync.Mutex
	cancel   chan interface{}
	done     chan interface{}
}

func (m *MsgPublisher) Start() {
	m.muCancel.Lock()
	defer m.muCancel.Unlock()

	m.cancel = make(chan interface{})
	m.done = make(chan interface{})
	go m.listenResults(m.srcEvents.SubscribeResults(), m.cancel, m.done)
}

func (m *MsgPublisher) Stop() {
	m.muCancel.Lock()
	defer m.muCancel.Unlock()
	if m.cancel == nil {
		return
	}
	close(m.cancel)
	<-m.done
	m.cancel = nil
}

func (m *MsgPublisher) listenResults(msgChan <-chan *simulator.Result, cancel <-chan interface{}, done chan<- interface{}) {
	defer close(done)
	logr := zap.S().With("msg_type", "result")
	for {
		select {
		case <-cancel:
			logr.Debug("exit listen results loop")
			return
		case r, ok := <-msgChan:
			if !ok {
				logr.Debug("results channel closed")
				return
			}
			ref := frameRef(r)
			logr.Debugf("new result %v/%v", ref.Name, ref.Id)
			if m.topicSteering != "" {
				m.publish(logr, m.topicSteering, m.steeringMessage(ref, r))
			}
			if m.topicFrame != "" && r.Segmented != nil {
				msg, err := frameMessage(ref, r)
				if err != nil {
					logr.Errorf("unable to build frame message: %v", err)
					continue
				}
				m.publish(logr, m.topicFrame, msg)
			}
		}
	}
}

func (m *MsgPublisher) publish(logr *zap.SugaredLogger, topic string, msg proto.Message) {
	payload, err := proto.Marshal(msg)
	if err != nil {
		logr.Errorf("unable to marshal protobuf message: %v", err)
		return
	}
	if err := m.p.Publish(topic, payload); err != nil {
		logr.Errorf("unable to publish events message: %v", err)
	}
}

func (m *MsgPublisher) steeringMessage(ref *events.FrameRef, r *simulator.Result) *events.SteeringMessage {
	return &events.SteeringMessage{
		Steering:   float32(NormalizeSteering(r.Degrees, m.maxAngle)),
		Confidence: 1.0,
		FrameRef:   ref,
	}
}

func frameMessage(ref *events.FrameRef, r *simulator.Result) (*events.FrameMessage, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, r.Segmented, imaging.JPEG); err != nil {
		return nil, fmt.Errorf("unable to encode frame %d to jpeg: %v", r.Index, err)
	}
	return &events.FrameMessage{
		Id:    ref,
		Frame: buf.Bytes(),
	}, nil
}

func frameRef(r *simulator.Result) *events.FrameRef {
	now := r.CreatedAt
	return &events.FrameRef{
		Name:      frameRefName,
		Id:        fmt.Sprintf("%d%03d", now.Unix(), now.Nanosecond()/1000/1000),
		CreatedAt: timestamppb.New(now),
	}
}

// NormalizeSteering maps an angle in degrees to [-1, 1], maxAngle degrees being full lock.
func NormalizeSteering(degrees, maxAngle float64) float64 {
	if maxAngle <= 0 || math.IsNaN(degrees) {
		return 0
	}
	return math.Max(-1, math.Min(1, degrees/maxAngle))
}

type Publisher interface {
	Publish(topic string, payload []byte) error
}

func NewMqttPublisher(client mqtt.Client, qos byte, retain bool) *MqttPublisher {
	return &MqttPublisher{client: client, qos: qos, retain: retain}
}

type MqttPublisher struct {
	client mqtt.Client
	qos    byte
	retain bool
}

func (m *MqttPublisher) Publish(topic string, payload []byte) error {
	token := m.client.Publish(topic, m.qos, m.retain, payload)
	token.WaitTimeout(10 * time.Millisecond)
	if err := token.Error(); err != nil {
		return fmt.Errorf("unable to publish to topic %v: %v", topic, err)
	}
	return nil
}
