package router

import (
	"strconv"
	"strings"

	"github.com/kadirpekel/switchboard/pkg/relayerror"
)

// geminiCLIPrefix is the one compound provider prefix; its model name
// always spans three dash segments.
const geminiCLIPrefix = "gemini-cli"

// ParsePipelineID splits a dash-separated pipeline id into provider,
// model, and key index. The last segment is always keyN; everything
// between provider and key is the model.
func ParsePipelineID(id string) (provider, model string, keyIndex int, err error) {
	parts := strings.Split(id, "-")
	if len(parts) < 3 {
		return "", "", 0, relayerror.Newf(relayerror.TypeValidation,
			"malformed pipeline id %q", id).WithParam("pipeline_id")
	}

	last := parts[len(parts)-1]
	if !strings.HasPrefix(last, "key") {
		return "", "", 0, relayerror.Newf(relayerror.TypeValidation,
			"pipeline id %q does not end in a key index", id).WithParam("pipeline_id")
	}
	keyIndex, convErr := strconv.Atoi(strings.TrimPrefix(last, "key"))
	if convErr != nil {
		return "", "", 0, relayerror.Newf(relayerror.TypeValidation,
			"pipeline id %q has a non-numeric key index", id).WithParam("pipeline_id")
	}

	if strings.HasPrefix(id, geminiCLIPrefix+"-") {
		if len(parts) != 6 {
			return "", "", 0, relayerror.Newf(relayerror.TypeValidation,
				"malformed gemini-cli pipeline id %q", id).WithParam("pipeline_id")
		}
		return geminiCLIPrefix, strings.Join(parts[2:5], "-"), keyIndex, nil
	}

	return parts[0], strings.Join(parts[1:len(parts)-1], "-"), keyIndex, nil
}

// BuildPipelineID is the inverse of ParsePipelineID.
func BuildPipelineID(provider, model string, keyIndex int) string {
	return provider + "-" + model + "-key" + strconv.Itoa(keyIndex)
}
