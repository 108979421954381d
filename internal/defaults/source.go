package defaults

import (
	"context"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/knadh/koanf/providers/file"

	"github.com/keithlinneman/linnemanlabs-relay/internal/xerrors"
)

// Source returns the raw bytes of an override document.
type Source interface {
	Fetch(ctx context.Context) ([]byte, error)
	String() string
}

// FileSource reads the document from a local path.
type FileSource struct {
	Path string
}

func (f FileSource) Fetch(_ context.Context) ([]byte, error) {
	b, err := file.Provider(f.Path).ReadBytes()
	if err != nil {
		return nil, xerrors.Wrapf(err, "read defaults file %s", f.Path)
	}
	return b, nil
}

func (f FileSource) String() string { return "file:" + f.Path }

// SSMAPI is the part of the SSM client SSMSource uses.
type SSMAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// SSMSource reads the document from an SSM parameter, decrypting
// SecureString values.
type SSMSource struct {
	Client SSMAPI
	Name   string
}

// NewSSMSource builds an SSMSource with a client from awsCfg, or from the
// default AWS config chain when awsCfg is nil.
func NewSSMSource(ctx context.Context, name string, awsCfg *aws.Config) (*SSMSource, error) {
	if name == "" {
		return nil, xerrors.New("ssm parameter name is required")
	}
	var cfg aws.Config
	if awsCfg != nil {
		cfg = *awsCfg
	} else {
		var err error
		cfg, err = config.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, xerrors.Wrap(err, "load AWS config")
		}
	}
	return &SSMSource{Client: ssm.NewFromConfig(cfg), Name: name}, nil
}

func (s *SSMSource) Fetch(ctx context.Context) ([]byte, error) {
	out, err := s.Client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(s.Name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return nil, xerrors.Wrapf(err, "get SSM parameter %s", s.Name)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return nil, xerrors.Newf("SSM parameter %s has no value", s.Name)
	}
	v := strings.TrimSpace(*out.Parameter.Value)
	if v == "" {
		return nil, xerrors.Newf("SSM parameter %s is empty", s.Name)
	}
	return []byte(v), nil
}

func (s *SSMSource) String() string { return "ssm:" + s.Name }
