package docker

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// dockerfile is the build definition for one model-serving container. The
// image clones and installs the aphrodite-engine once; the model itself is
// selected at run time through MODEL_ID, so one image serves every
// deployment of the same model.
const dockerfile = `FROM python:3.10-slim

RUN apt-get update && \
    apt-get install -y git curl && \
    rm -rf /var/lib/apt/lists/*

WORKDIR /app

RUN git clone https://github.com/PygmalionAI/aphrodite-engine.git /app

ENV APHRODITE_TARGET_DEVICE=openvino
ENV APHRODITE_OPENVINO_KVCACHE_SPACE=8
ENV PIP_EXTRA_INDEX_URL=https://download.pytorch.org/whl/cpu
ENV HF_HOME=/root/.cache/huggingface

RUN mkdir -p /root/.cache/huggingface/hub

RUN pip install --no-cache-dir -r requirements-openvino.txt && \
    pip install --no-cache-dir -e .

COPY run_aphrodite.py /app/run_aphrodite.py
RUN chmod +x /app/run_aphrodite.py

EXPOSE 2242

ENTRYPOINT ["python", "/app/run_aphrodite.py"]
`

// runScript is the container entrypoint: it prepares the cache directory
// and launches the engine for the model named in the environment.
const runScript = `#!/usr/bin/env python3
import os
import subprocess


def main():
    os.makedirs("/root/.cache/huggingface/hub", exist_ok=True)
    model_id = os.environ.get("MODEL_ID", "gpt2")
    env = os.environ.copy()
    env.setdefault("APHRODITE_OPENVINO_KVCACHE_SPACE", "8")
    cmd = ["aphrodite", "run", "--device", "openvino", "--host", "0.0.0.0", model_id]
    print("Running command:", " ".join(cmd))
    subprocess.check_call(cmd, env=env)


if __name__ == "__main__":
    main()
`

// writeBuildContext materializes the build definition under the deployment
// directory. The files double as diagnostic state: an operator can rebuild
// the image by hand from the directory alone.
func writeBuildContext(dir string) error {
	files := map[string]string{
		"Dockerfile":       dockerfile,
		"run_aphrodite.py": runScript,
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
	}
	return nil
}

// tarBuildContext packs the deployment directory into the tar stream the
// daemon's build endpoint expects. Only regular files at the top level are
// included; tunnel logs and pid files living alongside are skipped.
func tarBuildContext(dir string) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read build dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) == ".log" || filepath.Ext(e.Name()) == ".pid" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", e.Name(), err)
		}
		hdr := &tar.Header{Name: e.Name(), Mode: 0o644, Size: int64(len(data))}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, err
		}
		if _, err := tw.Write(data); err != nil {
			return nil, err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}
