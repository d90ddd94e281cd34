package dataset

import (
	"encoding/gob"
	"github.com/pkg/errors"
	"io"
	"k8s.io/klog/v2"
	"os"
)

// fileVersion is saved before the dataset, so the format can change.
const fileVersion = 1

// Encoder is any type of encoder, like gob.Encoder or json.Encoder.
type Encoder interface {
	Encode(v any) error
}

// Decoder is any type of decoder, like gob.Decoder or json.Decoder.
type Decoder interface {
	Decode(v any) error
}

// Encode the dataset.
func (d *Dataset) Encode(enc Encoder) error {
	if err := enc.Encode(fileVersion); err != nil {
		return errors.Wrap(err, "failed to encode dataset version")
	}
	if err := enc.Encode(d); err != nil {
		return errors.Wrapf(err, "failed to encode %s", d)
	}
	return nil
}

// Decode a dataset previously encoded with Encode.
func Decode(dec Decoder) (*Dataset, error) {
	var version int
	if err := dec.Decode(&version); err != nil {
		return nil, errors.Wrap(err, "failed to decode dataset version")
	}
	if version != fileVersion {
		return nil, errors.Wrapf(ErrInvalid, "unknown dataset file version %d", version)
	}
	d := &Dataset{}
	if err := dec.Decode(d); err != nil {
		return nil, errors.Wrap(err, "failed to decode dataset")
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	klog.V(2).Infof("Decoded %s", d)
	return d, nil
}

func backupName(filename string) string {
	return filename + "~"
}

func temporaryName(filename string) string {
	return filename + ".tmp"
}

// writeFile encodes with gob to filename. It first writes to a temporary file, and if filename
// already exists it's renamed with a "~" suffix.
func writeFile(filename string, encode func(enc Encoder) error) error {
	file, err := os.Create(temporaryName(filename))
	if err != nil {
		return errors.Wrapf(err, "failed to create temporary file %q", temporaryName(filename))
	}
	if err = encode(gob.NewEncoder(file)); err != nil {
		_ = file.Close()
		return errors.WithMessagef(err, "while saving to %q", filename)
	}
	if err = file.Close(); err != nil {
		return errors.Wrapf(err, "failed to close %q", temporaryName(filename))
	}
	if _, err = os.Stat(filename); err == nil {
		if err = os.Rename(filename, backupName(filename)); err != nil {
			return errors.Wrapf(err, "failed backing up, while renaming %q to %q", filename, backupName(filename))
		}
	}
	if err = os.Rename(temporaryName(filename), filename); err != nil {
		return errors.Wrapf(err, "failed renaming %q to %q", temporaryName(filename), filename)
	}
	return nil
}

// Save the dataset to filename with gob. See Load.
func (d *Dataset) Save(filename string) error {
	if err := writeFile(filename, d.Encode); err != nil {
		return err
	}
	klog.V(1).Infof("Saved %s to %q", d, filename)
	return nil
}

// Load a dataset saved with Save.
func Load(filename string) (*Dataset, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot open %q for reading", filename)
	}
	defer func() { _ = file.Close() }()
	return Read(file)
}

// Read a dataset saved with Save from reader.
func Read(reader io.Reader) (*Dataset, error) {
	return Decode(gob.NewDecoder(reader))
}

// Save the scaler to filename with gob. See LoadScaler.
func (s *Scaler) Save(filename string) error {
	return writeFile(filename, func(enc Encoder) error {
		if err := enc.Encode(fileVersion); err != nil {
			return errors.Wrap(err, "failed to encode scaler version")
		}
		return errors.Wrap(enc.Encode(s), "failed to encode scaler")
	})
}

// LoadScaler saved with Scaler.Save.
func LoadScaler(filename string) (*Scaler, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot open %q for reading", filename)
	}
	defer func() { _ = file.Close() }()
	dec := gob.NewDecoder(file)
	var version int
	if err = dec.Decode(&version); err != nil {
		return nil, errors.Wrapf(err, "failed to decode scaler version from %q", filename)
	}
	if version != fileVersion {
		return nil, errors.Wrapf(ErrInvalid, "unknown scaler file version %d in %q", version, filename)
	}
	s := &Scaler{}
	if err = dec.Decode(s); err != nil {
		return nil, errors.Wrapf(err, "failed to decode scaler from %q", filename)
	}
	if len(s.Min) != len(s.Max) {
		return nil, errors.Wrapf(ErrInvalid, "scaler in %q has %d minimums and %d maximums", filename, len(s.Min), len(s.Max))
	}
	return s, nil
}
