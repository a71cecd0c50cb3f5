// utils/objectstore.go
package utils

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"mime/multipart"
	"net/http"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/gosimple/slug"
)

var r2Client *s3.Client
var r2Bucket string
var cdnBaseURL string

func InitR2() error {
	accountID := os.Getenv("CLOUDFLARE_ACCOUNT_ID")
	accessKeyID := os.Getenv("R2_ACCESS_KEY_ID")
	accessKeySecret := os.Getenv("R2_ACCESS_KEY_SECRET")
	r2Bucket = os.Getenv("R2_BUCKET_NAME")
	cdnBaseURL = os.Getenv("CDN_BASE_URL")
	if cdnBaseURL == "" {
		cdnBaseURL = fmt.Sprintf("https://%s.r2.cloudflarestorage.com", accountID)
	}

	cfg, err := config.LoadDefaultConfig(context.TODO(),
		config.WithRegion("auto"),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			accessKeyID, accessKeySecret, "",
		)),
		config.WithEndpointResolver(aws.EndpointResolverFunc(
			func(service, region string) (aws.Endpoint, error) {
				return aws.Endpoint{
					URL: fmt.Sprintf("https://%s.r2.cloudflarestorage.com", accountID),
				}, nil
			}),
		),
	)
	if err != nil {
		return fmt.Errorf("failed to load R2 config: %w", err)
	}

	r2Client = s3.NewFromConfig(cfg)
	return nil
}

// ObjectStoreReady reports whether InitR2 succeeded; icon uploads fall back
// to inline data URIs otherwise.
func ObjectStoreReady() bool { return r2Client != nil }

// UploadCoinIcon stores a coin icon under icons/coins/ and returns the public
// CDN URL.
func UploadCoinIcon(fileHeader *multipart.FileHeader, coinCode string) (string, error) {
	if r2Client == nil {
		return "", fmt.Errorf("object store not initialized")
	}
	file, err := fileHeader.Open()
	if err != nil {
		return "", fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(file); err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}

	ext := "png"
	if parts := strings.Split(fileHeader.Filename, "."); len(parts) > 1 {
		ext = parts[len(parts)-1]
	}
	key := fmt.Sprintf("icons/coins/%s-%s.%s", slug.Make(coinCode), uuid.NewString()[:8], ext)

	_, err = r2Client.PutObject(context.TODO(), &s3.PutObjectInput{
		Bucket:      aws.String(r2Bucket),
		Key:         aws.String(key),
		Body:        buf,
		ContentType: aws.String(fileHeader.Header.Get("Content-Type")),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload to R2: %w", err)
	}

	return fmt.Sprintf("%s/%s", cdnBaseURL, key), nil
}

// NormalizeIconRef accepts an icon reference from the admin surface and
// returns something a browser can render: URLs and data URIs pass through,
// bare base64 payloads are coerced into a data URI with a sniffed MIME type.
func NormalizeIconRef(ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" ||
		strings.HasPrefix(ref, "http://") ||
		strings.HasPrefix(ref, "https://") ||
		strings.HasPrefix(ref, "data:") ||
		strings.HasPrefix(ref, "/") {
		return ref
	}

	raw, err := base64.StdEncoding.DecodeString(ref)
	if err != nil {
		// Not base64 either; treat it as a relative path.
		return ref
	}
	mimeType := http.DetectContentType(raw)
	if strings.Contains(ref, "PHN2Zy") || strings.HasPrefix(string(raw), "<svg") {
		mimeType = "image/svg+xml"
	}
	return fmt.Sprintf("data:%s;base64,%s", mimeType, ref)
}
