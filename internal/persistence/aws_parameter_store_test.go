package persistence

import (
	"context"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systmms/cfgsecrets/pkg/coordinate"
)

type fakeSSM struct {
	mu     sync.Mutex
	params map[string]types.Parameter
	keyIDs map[string]string
}

func newFakeSSM() *fakeSSM {
	return &fakeSSM{params: map[string]types.Parameter{}, keyIDs: map[string]string{}}
}

func (f *fakeSSM) GetParameter(_ context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.params[aws.ToString(in.Name)]
	if !ok {
		return nil, &types.ParameterNotFound{Message: aws.String("parameter not found")}
	}
	if p.Type == types.ParameterTypeSecureString && !aws.ToBool(in.WithDecryption) {
		return &ssm.GetParameterOutput{Parameter: &types.Parameter{Name: p.Name, Value: aws.String("ENCRYPTED")}}, nil
	}
	return &ssm.GetParameterOutput{Parameter: &p}, nil
}

func (f *fakeSSM) PutParameter(_ context.Context, in *ssm.PutParameterInput, _ ...func(*ssm.Options)) (*ssm.PutParameterOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := aws.ToString(in.Name)
	if _, exists := f.params[name]; exists && !aws.ToBool(in.Overwrite) {
		return nil, &types.ParameterAlreadyExists{Message: aws.String("exists")}
	}
	f.params[name] = types.Parameter{Name: in.Name, Value: in.Value, Type: in.Type}
	f.keyIDs[name] = aws.ToString(in.KeyId)
	return &ssm.PutParameterOutput{Version: 1}, nil
}

func (f *fakeSSM) DeleteParameter(_ context.Context, in *ssm.DeleteParameterInput, _ ...func(*ssm.Options)) (*ssm.DeleteParameterOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := aws.ToString(in.Name)
	if _, ok := f.params[name]; !ok {
		return nil, &types.ParameterNotFound{Message: aws.String("parameter not found")}
	}
	delete(f.params, name)
	return &ssm.DeleteParameterOutput{}, nil
}

func TestAWSParameterStoreContract(t *testing.T) {
	t.Parallel()

	p, err := NewAWSParameterStorePersistence("ssm", map[string]interface{}{}, WithSSMClient(newFakeSSM()))
	require.NoError(t, err)
	runPersistenceContract(t, p)
}

func TestAWSParameterStoreNaming(t *testing.T) {
	t.Parallel()

	fake := newFakeSSM()
	p, err := NewAWSParameterStorePersistence("ssm", map[string]interface{}{
		"prefix":     "airbyte/secrets",
		"kms_key_id": "alias/ssm",
	}, WithSSMClient(fake))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, p.Write(ctx, coordinate.Managed{Base: "airbyte_ws_abc", Version: 3}, []byte("pw")))

	stored, ok := fake.params["/airbyte/secrets/airbyte_ws_abc_v3"]
	require.True(t, ok, "parameter must live under the prefix")
	assert.Equal(t, types.ParameterTypeSecureString, stored.Type)
	assert.Equal(t, "alias/ssm", fake.keyIDs["/airbyte/secrets/airbyte_ws_abc_v3"])

	fake.params["/customer/db/password"] = types.Parameter{Value: aws.String("customer"), Type: types.ParameterTypeSecureString}
	got, err := p.Read(ctx, coordinate.External{ID: "/customer/db/password"})
	require.NoError(t, err)
	assert.Equal(t, "customer", string(got))
}
