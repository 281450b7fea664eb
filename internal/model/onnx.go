package model

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/hashicorp/go-multierror"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/Brownie44l1/live-classifier/internal/pipelineerr"
)

var environmentLocker sync.Mutex

// InitRuntime loads the ONNX Runtime shared library once per process.
func InitRuntime(sharedLibraryPath string) error {
	environmentLocker.Lock()
	defer environmentLocker.Unlock()
	if ort.IsInitialized() {
		return nil
	}
	if sharedLibraryPath != "" {
		ort.SetSharedLibraryPath(sharedLibraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}
	return nil
}

func ShutdownRuntime() error {
	environmentLocker.Lock()
	defer environmentLocker.Unlock()
	if !ort.IsInitialized() {
		return nil
	}
	return ort.DestroyEnvironment()
}

func LoadMetadata(path string) (Metadata, error) {
	metaFile, err := os.ReadFile(path)
	if err != nil {
		return Metadata{}, fmt.Errorf("failed to read metadata: %w", err)
	}

	var metadata Metadata
	if err := json.Unmarshal(metaFile, &metadata); err != nil {
		return Metadata{}, fmt.Errorf("failed to parse metadata: %w", err)
	}
	metadata.applyDefaults()
	if err := metadata.validate(); err != nil {
		return Metadata{}, pipelineerr.Configuration("invalid metadata '%s': %v", path, err)
	}
	return metadata, nil
}

type ONNXOptions struct {
	ModelPath    string
	MetadataPath string
	// Accelerated asks for the CUDA execution provider.
	Accelerated bool
}

// ONNXEngine owns an ONNX Runtime session with bound input/output tensors.
// Evaluate is not safe for concurrent use; the scheduler guarantees a
// single caller at a time.
type ONNXEngine struct {
	session      *ort.AdvancedSession
	Metadata     Metadata
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
}

var _ Engine = (*ONNXEngine)(nil)

// NewONNXEngine expects InitRuntime to have been called.
func NewONNXEngine(ctx context.Context, opts ONNXOptions) (*ONNXEngine, error) {
	metadata, err := LoadMetadata(opts.MetadataPath)
	if err != nil {
		return nil, err
	}

	inputShape := ort.NewShape(metadata.InputShape...)
	outputShape := ort.NewShape(metadata.OutputShape...)

	inputTensor, err := ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	sessionOptions, err := newSessionOptions(ctx, opts.Accelerated)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, err
	}
	defer sessionOptions.Destroy()

	session, err := ort.NewAdvancedSession(opts.ModelPath,
		[]string{metadata.InputName}, []string{metadata.OutputName},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		sessionOptions)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	logger.Debugf(ctx, "loaded model '%s' (input %v, output %v, accelerated: %v)",
		opts.ModelPath, metadata.InputShape, metadata.OutputShape, opts.Accelerated)

	return &ONNXEngine{
		session:      session,
		Metadata:     metadata,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
	}, nil
}

func newSessionOptions(ctx context.Context, accelerated bool) (*ort.SessionOptions, error) {
	sessionOptions, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	if !accelerated {
		return sessionOptions, nil
	}

	cudaOptions, err := ort.NewCUDAProviderOptions()
	if err != nil {
		sessionOptions.Destroy()
		return nil, fmt.Errorf("failed to create CUDA provider options: %w", err)
	}
	defer cudaOptions.Destroy()

	if err := sessionOptions.AppendExecutionProviderCUDA(cudaOptions); err != nil {
		sessionOptions.Destroy()
		return nil, fmt.Errorf("failed to enable the CUDA execution provider: %w", err)
	}
	logger.Debugf(ctx, "CUDA execution provider enabled")
	return sessionOptions, nil
}

func (e *ONNXEngine) OutputSize() int {
	return e.Metadata.OutputSize()
}

func (e *ONNXEngine) Evaluate(ctx context.Context, frame *Frame) (ScoreVector, error) {
	img, err := FrameImage(frame)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed frame: %v", pipelineerr.ErrInference, err)
	}

	err = Preprocess(img, e.Metadata.ImageSize, e.Metadata.PixelScale, e.Metadata.ChannelBGR, e.inputTensor.GetData())
	if err != nil {
		return nil, fmt.Errorf("%w: preprocessing: %v", pipelineerr.ErrInference, err)
	}

	if err := e.session.Run(); err != nil {
		return nil, fmt.Errorf("%w: %v", pipelineerr.ErrInference, err)
	}

	outputData := e.outputTensor.GetData()
	scores := make(ScoreVector, len(outputData))
	copy(scores, outputData)
	return scores, nil
}

func (e *ONNXEngine) Close() error {
	var result *multierror.Error
	if e.session != nil {
		if err := e.session.Destroy(); err != nil {
			result = multierror.Append(result, fmt.Errorf("unable to destroy the session: %w", err))
		}
		e.session = nil
	}
	if e.inputTensor != nil {
		if err := e.inputTensor.Destroy(); err != nil {
			result = multierror.Append(result, fmt.Errorf("unable to destroy the input tensor: %w", err))
		}
		e.inputTensor = nil
	}
	if e.outputTensor != nil {
		if err := e.outputTensor.Destroy(); err != nil {
			result = multierror.Append(result, fmt.Errorf("unable to destroy the output tensor: %w", err))
		}
		e.outputTensor = nil
	}
	return result.ErrorOrNil()
}
