package utils

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"gift-battle-engine/models"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/bmizerany/assert"
)

type fakePutter struct {
	inputs []*s3.PutObjectInput
	bodies [][]byte
	err    error
}

func (f *fakePutter) PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	body, _ := io.ReadAll(in.Body)
	f.inputs = append(f.inputs, in)
	f.bodies = append(f.bodies, body)
	return &s3.PutObjectOutput{}, nil
}

func TestUploadArchive(t *testing.T) {
	put := &fakePutter{}
	u := NewArchiveUploaderWithClient(put, "battles", "matches")
	ended := time.Date(2026, 2, 28, 23, 30, 0, 0, time.UTC)
	a := models.MatchArchive{MatchID: "m-1", StartedAt: ended.Add(-time.Hour), EndedAt: &ended, TotalCoins: 42}

	assert.Equal(t, nil, u.UploadArchive(context.Background(), a))
	assert.Equal(t, 1, len(put.inputs))
	in := put.inputs[0]
	assert.Equal(t, "battles", aws.ToString(in.Bucket))
	assert.Equal(t, "matches/2026/02/m-1.json", aws.ToString(in.Key))
	assert.Equal(t, "application/json", aws.ToString(in.ContentType))

	var got models.MatchArchive
	assert.Equal(t, nil, json.Unmarshal(put.bodies[0], &got))
	assert.Equal(t, int64(42), got.TotalCoins)
}

func TestArchiveKeyFallsBackToStart(t *testing.T) {
	u := NewArchiveUploaderWithClient(&fakePutter{}, "b", "")
	a := models.MatchArchive{MatchID: "m-2", StartedAt: time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)}
	assert.Equal(t, "2026/01/m-2.json", u.ArchiveKey(a))
}

func TestUploadArchiveWrapsError(t *testing.T) {
	boom := errors.New("access denied")
	u := NewArchiveUploaderWithClient(&fakePutter{err: boom}, "b", "x/")
	err := u.UploadArchive(context.Background(), models.MatchArchive{MatchID: "m-3"})
	assert.Equal(t, true, errors.Is(err, boom))
}
