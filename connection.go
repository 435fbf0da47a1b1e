package s3db

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ConnectionInfo is the parsed form of a connection string (§6.1).
type ConnectionInfo struct {
	Scheme          string // s3, http, https, memory, file, gcs
	AccessKeyID     string
	SecretAccessKey string
	Host            string // http(s):// only
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string
	ForcePathStyle  bool
}

// ParseConnectionString parses one of the four (plus gcs://, a
// SPEC_FULL addition) connection-string forms:
//
//	s3://[ACCESS:SECRET@]BUCKET[/PREFIX][?region=...&endpoint=...&forcePathStyle=true|false]
//	http(s)://[ACCESS:SECRET@]HOST[:PORT]/BUCKET[/PREFIX][?forcePathStyle=true]
//	memory://BUCKET[/PREFIX]
//	file://ABSOLUTE_PATH
//	gcs://BUCKET[/PREFIX][?credentialsFile=...]
func ParseConnectionString(raw string) (*ConnectionInfo, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, WithContext(ErrInvalidConfig, map[string]interface{}{"connectionString": raw, "cause": err.Error()})
	}

	info := &ConnectionInfo{Scheme: u.Scheme}
	q := u.Query()

	if u.User != nil {
		info.AccessKeyID = u.User.Username()
		info.SecretAccessKey, _ = u.User.Password()
	}

	switch u.Scheme {
	case "s3", "gcs", "memory":
		info.Bucket = u.Host
		info.Prefix = strings.TrimPrefix(u.Path, "/")
		info.Region = q.Get("region")
		info.Endpoint = q.Get("endpoint")
		info.ForcePathStyle, _ = strconv.ParseBool(q.Get("forcePathStyle"))
	case "http", "https":
		info.Host = u.Host
		info.Endpoint = u.Scheme + "://" + u.Host
		parts := strings.SplitN(strings.TrimPrefix(u.Path, "/"), "/", 2)
		if len(parts) == 0 || parts[0] == "" {
			return nil, WithContext(ErrInvalidConfig, map[string]interface{}{"connectionString": raw, "reason": "missing bucket"})
		}
		info.Bucket = parts[0]
		if len(parts) == 2 {
			info.Prefix = parts[1]
		}
		info.ForcePathStyle, _ = strconv.ParseBool(q.Get("forcePathStyle"))
	case "file":
		// file://ABSOLUTE_PATH — host+path together form the path since a
		// leading "//" after the scheme is otherwise parsed as authority.
		info.Prefix = u.Host + u.Path
	default:
		return nil, WithContext(ErrInvalidConfig, map[string]interface{}{
			"connectionString": raw,
			"reason":           "unrecognized scheme",
			"scheme":           u.Scheme,
		})
	}

	return info, nil
}

// OpenObjectStore parses a connection string and constructs the matching
// ObjectStore implementation (§6.1).
func OpenObjectStore(ctx context.Context, connectionString string) (ObjectStore, error) {
	info, err := ParseConnectionString(connectionString)
	if err != nil {
		return nil, err
	}

	switch info.Scheme {
	case "memory":
		return NewMemoryStore(), nil

	case "file":
		return NewFilesystemStore(info.Prefix), nil

	case "gcs":
		return NewGCSStore(ctx, GCSConfig{Bucket: info.Bucket})

	case "s3":
		client, err := newS3Client(ctx, info)
		if err != nil {
			return nil, err
		}
		return NewS3Store(client, info.Bucket), nil

	case "http", "https":
		if info.AccessKeyID == "" || info.SecretAccessKey == "" {
			return nil, WithContext(ErrInvalidConfig, map[string]interface{}{
				"reason": "http(s):// connection strings require embedded credentials",
			})
		}
		client := s3.New(s3.Options{
			BaseEndpoint: aws.String(info.Endpoint),
			Region:       "us-east-1",
			Credentials:  credentials.NewStaticCredentialsProvider(info.AccessKeyID, info.SecretAccessKey, ""),
			UsePathStyle: info.ForcePathStyle,
		})
		return NewS3Store(client, info.Bucket), nil

	default:
		return nil, WithContext(ErrInvalidConfig, map[string]interface{}{"scheme": info.Scheme, "reason": "unsupported scheme"})
	}
}

func newS3Client(ctx context.Context, info *ConnectionInfo) (*s3.Client, error) {
	var optFns []func(*awsconfig.LoadOptions) error
	if info.Region != "" {
		optFns = append(optFns, awsconfig.WithRegion(info.Region))
	}
	if info.AccessKeyID != "" && info.SecretAccessKey != "" {
		optFns = append(optFns, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(info.AccessKeyID, info.SecretAccessKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("s3db: load aws config: %w", err)
	}

	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if info.Endpoint != "" {
			o.BaseEndpoint = aws.String(info.Endpoint)
		}
		if info.ForcePathStyle {
			o.UsePathStyle = true
		}
	}), nil
}
