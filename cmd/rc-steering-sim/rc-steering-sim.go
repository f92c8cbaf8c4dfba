package main

import (
	"flag"
	"log"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/cyrilix/robocar-base/cli"
	"github.com/cyrilix/robocar-steering-sim/pkg/display"
	"github.com/cyrilix/robocar-steering-sim/pkg/events"
	"github.com/cyrilix/robocar-steering-sim/pkg/onnx"
	"github.com/cyrilix/robocar-steering-sim/pkg/segmentation"
	"github.com/cyrilix/robocar-steering-sim/pkg/simulator"
	"github.com/cyrilix/robocar-steering-sim/pkg/steering"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	DefaultClientId = "robocar-steering-sim"
	DefaultFps      = 30
	DefaultMaxAngle = 45.

	envMaxSteeringAngle = "MAX_STEERING_ANGLE"
)

func init() {
	// highgui windows must be driven from the main thread
	runtime.LockOSThread()
}

func main() {
	var mqttBroker, username, password, clientId, topicFrame, topicSteering string
	var datasetDir, wheelPath, steeringModel, laneModel, objectModel, onnxLib string
	var alpha, confidence float64
	var cropRows, startIndex int
	var debug bool

	mqttQos := cli.InitIntFlag("MQTT_QOS", 0)
	_, mqttRetain := os.LookupEnv("MQTT_RETAIN")
	fps := cli.InitIntFlag("FPS", DefaultFps)
	maxAngle := cli.InitFloat64Flag(envMaxSteeringAngle, DefaultMaxAngle)

	cli.InitMqttFlags(DefaultClientId, &mqttBroker, &username, &password, &clientId, &mqttQos, &mqttRetain)

	flag.StringVar(&topicFrame, "events-topic-frame", os.Getenv("MQTT_TOPIC_FRAME"), "Mqtt topic to publish segmented frames, use MQTT_TOPIC_FRAME if args not set")
	flag.StringVar(&topicSteering, "events-topic-steering", os.Getenv("MQTT_TOPIC_STEERING"), "Mqtt topic to publish predicted steering, use MQTT_TOPIC_STEERING if args not set")
	flag.Float64Var(&maxAngle, "max-steering-angle", maxAngle, "Steering angle in degrees published as full lock, use MAX_STEERING_ANGLE if args not set")

	flag.StringVar(&datasetDir, "dataset", os.Getenv("DATASET_DIR"), "Directory of frames named 0.jpg, 1.jpg, ..., use DATASET_DIR if args not set")
	flag.StringVar(&wheelPath, "steering-wheel", os.Getenv("STEERING_WHEEL_IMG"), "Steering wheel image, use STEERING_WHEEL_IMG if args not set")
	flag.StringVar(&steeringModel, "steering-model", os.Getenv("STEERING_MODEL"), "Onnx steering regression model, use STEERING_MODEL if args not set")
	flag.StringVar(&laneModel, "lane-model", os.Getenv("LANE_MODEL"), "Onnx lane segmentation model, use LANE_MODEL if args not set")
	flag.StringVar(&objectModel, "object-model", os.Getenv("OBJECT_MODEL"), "Onnx object segmentation model, use OBJECT_MODEL if args not set")
	flag.StringVar(&onnxLib, "onnxruntime-lib", os.Getenv("ONNXRUNTIME_LIB"), "Onnxruntime shared library, use ONNXRUNTIME_LIB if args not set")

	flag.IntVar(&fps, "fps", fps, "Frames per second, use FPS if args not set")
	flag.Float64Var(&alpha, "alpha", segmentation.DefaultAlpha, "Weight of segmentation overlay")
	flag.Float64Var(&confidence, "confidence", segmentation.MinConfidence, "Minimum confidence of segmentation detections")
	flag.IntVar(&cropRows, "crop-rows", simulator.DefaultCropRows, "Bottom rows of frame used for steering prediction, 0 for whole frame")
	flag.IntVar(&startIndex, "start-index", 0, "Index of first frame")
	flag.BoolVar(&debug, "debug", false, "Debug logs")

	flag.Parse()
	if len(os.Args) <= 1 {
		flag.PrintDefaults()
		os.Exit(1)
	}

	config := zap.NewDevelopmentConfig()
	if debug {
		config.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	} else {
		config.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	lgr, err := config.Build()
	if err != nil {
		log.Fatalf("unable to init logger: %v", err)
	}
	zap.ReplaceGlobals(lgr)

	svc := service{}
	defer svc.release()
	svc.onRelease(lgr.Sync)

	if fps <= 0 {
		zap.S().Fatalf("invalid fps value: %v", fps)
	}

	if err := onnx.InitRuntime(onnxLib); err != nil {
		zap.S().Fatalf("unable to init model runtime: %v", err)
	}

	steeringNet, err := onnx.NewRegressionModel(steeringModel)
	if err != nil {
		zap.S().Fatalf("unable to load steering model: %v", err)
	}
	laneNet, err := onnx.NewSegmentationModel(laneModel)
	if err != nil {
		zap.S().Fatalf("unable to load lane model: %v", err)
	}
	objectNet, err := onnx.NewSegmentationModel(objectModel)
	if err != nil {
		zap.S().Fatalf("unable to load object model: %v", err)
	}
	svc.onRelease(func() error {
		return multierr.Combine(steeringNet.Close(), laneNet.Close(), objectNet.Close(), onnx.DestroyRuntime())
	})

	seg := segmentation.New(laneNet, objectNet, objectNet.ClassNames(), segmentation.WithMinConfidence(float32(confidence)))

	sim, err := simulator.New(
		steering.NewPredictor(steeringNet),
		seg,
		display.New(),
		datasetDir,
		wheelPath,
		simulator.WithFrameInterval(time.Second/time.Duration(fps)),
		simulator.WithCropRows(cropRows),
		simulator.WithAlpha(alpha),
		simulator.WithStartIndex(startIndex),
	)
	if err != nil {
		zap.S().Fatalf("unable to init simulator: %v", err)
	}

	if topicFrame != "" || topicSteering != "" {
		client := connect(mqttBroker, username, password, clientId)
		svc.onRelease(func() error {
			client.Disconnect(10)
			return nil
		})

		msgPub := events.NewMsgPublisher(
			sim,
			events.NewMqttPublisher(client, byte(mqttQos), mqttRetain),
			topicFrame,
			topicSteering,
			maxAngle,
		)
		msgPub.Start()
		svc.onRelease(func() error {
			msgPub.Stop()
			return nil
		})
	}
	svc.sim = sim

	cli.HandleExit(&svc)

	err = svc.Start()
	if err != nil {
		zap.S().Fatalf("unable to start service: %v", err)
	}
}

type part interface {
	Start() error
	Stop()
}

// service runs the simulator and releases models, events and logger once it ends, whether
// Start returns or the process is stopped by a signal.
type service struct {
	sim       part
	releasers []func() error
	once      sync.Once
}

// onRelease registers f to run at release, in reverse registration order.
func (s *service) onRelease(f func() error) {
	s.releasers = append(s.releasers, f)
}

func (s *service) Start() error {
	defer s.release()
	return s.sim.Start()
}

func (s *service) Stop() {
	s.sim.Stop()
	s.release()
}

func (s *service) release() {
	s.once.Do(func() {
		for i := len(s.releasers) - 1; i >= 0; i-- {
			if err := s.releasers[i](); err != nil {
				log.Printf("unable to release resources: %v", err)
			}
		}
	})
}

func connect(broker, username, password, clientId string) mqtt.Client {
	var client mqtt.Client
	err := retry.Do(func() error {
		c, err := cli.Connect(broker, username, password, clientId)
		if err != nil {
			zap.S().Warnf("unable to connect to events broker %v: %v", broker, err)
			return err
		}
		client = c
		return nil
	},
		retry.Attempts(5),
		retry.Delay(1*time.Second),
	)
	if err != nil {
		zap.S().Fatalf("unable to connect to events broker: %v", err)
	}
	return client
}
