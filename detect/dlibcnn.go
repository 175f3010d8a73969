package detect

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/Kagami/go-face"
	"gocv.io/x/gocv"

	"github.com/cvkitio/worker/frame"
	"github.com/cvkitio/worker/internal/cvmat"
)

// dlibModelFiles are the artifacts go-face expects inside the model
// directory. The MMOD detector does the actual face finding; the other two
// are loaded unconditionally by the recognizer.
var dlibModelFiles = []string{
	"mmod_human_face_detector.dat",
	"shape_predictor_5_face_landmarks.dat",
	"dlib_face_recognition_resnet_model_v1.dat",
}

// DlibCNN is the dlib MMOD face detector via go-face. Slowest backend by a
// wide margin on CPU, highest recall on hard poses.
type DlibCNN struct {
	mu  sync.Mutex
	rec *face.Recognizer
}

// NewDlibCNN initializes go-face with the model directory at modelPath.
func NewDlibCNN(modelPath string) (*DlibCNN, error) {
	if err := requireArtifact(modelPath); err != nil {
		return nil, err
	}
	for _, name := range dlibModelFiles {
		if err := requireArtifact(filepath.Join(modelPath, name)); err != nil {
			return nil, err
		}
	}

	rec, err := face.NewRecognizer(modelPath)
	if err != nil {
		return nil, fmt.Errorf("detect: initializing dlib recognizer: %w", err)
	}
	return &DlibCNN{rec: rec}, nil
}

func (d *DlibCNN) Detect(f frame.Frame) ([]Detection, error) {
	src, err := cvmat.FromFrame(f)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	// go-face only takes encoded JPEG bytes.
	buf, err := gocv.IMEncode(".jpg", src)
	if err != nil {
		return nil, fmt.Errorf("detect: encoding frame for dlib: %w", err)
	}
	defer buf.Close()

	d.mu.Lock()
	faces, err := d.rec.RecognizeCNN(buf.GetBytes())
	d.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("detect: dlib recognition: %w", err)
	}

	out := make([]Detection, 0, len(faces))
	for _, fc := range faces {
		out = append(out, Detection{Rect: fc.Rectangle, Confidence: 1, Label: "face"})
	}
	return out, nil
}

func (d *DlibCNN) Close() error {
	d.rec.Close()
	return nil
}
