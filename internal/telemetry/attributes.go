package telemetry

import (
	"github.com/dunamismax/fitsflow/internal/stretch"
	"go.opentelemetry.io/otel/attribute"
)

// Span attribute keys shared by the API, the worker and the pipeline.
const (
	RenderBackendKey = attribute.Key("fitsflow.render.backend")

	JobIDKey         = attribute.Key("job.id")
	JobSourceTypeKey = attribute.Key("job.source_type")
	JobStepsKey      = attribute.Key("job.steps")

	StepIDKey     = attribute.Key("step.id")
	StepFormatKey = attribute.Key("step.format")
	StepBlackKey  = attribute.Key("step.black")
	StepWhiteKey  = attribute.Key("step.white")

	FITSBitPixKey     = attribute.Key("fits.bitpix")
	FITSSampleTypeKey = attribute.Key("fits.sample_type")
	FITSWidthKey      = attribute.Key("fits.naxis1")
	FITSHeightKey     = attribute.Key("fits.naxis2")
	FITSSourceSizeKey = attribute.Key("fits.source_bytes")

	OutputBytesKey = attribute.Key("output.bytes")
)

func JobAttributes(jobID, sourceType string, steps int) []attribute.KeyValue {
	return []attribute.KeyValue{
		JobIDKey.String(jobID),
		JobSourceTypeKey.String(sourceType),
		JobStepsKey.Int(steps),
	}
}

// FrameAttributes describes the decoded primary HDU a step stretches.
func FrameAttributes(bitpix stretch.BitPix, width, height int) []attribute.KeyValue {
	return []attribute.KeyValue{
		FITSBitPixKey.Int(int(bitpix)),
		FITSSampleTypeKey.String(bitpix.String()),
		FITSWidthKey.Int(width),
		FITSHeightKey.Int(height),
	}
}

// StepAttributes records a step's overrides. Absent black or white points are omitted so the
// header defaults stay distinguishable from explicit zeros.
func StepAttributes(stepID, format string, black, white *int) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		StepIDKey.String(stepID),
		StepFormatKey.String(format),
	}
	if black != nil {
		attrs = append(attrs, StepBlackKey.Int(*black))
	}
	if white != nil {
		attrs = append(attrs, StepWhiteKey.Int(*white))
	}
	return attrs
}
