package server

import (
	"crypto/tls"
	"errors"
	"net"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/bahalabs/offgate/pkg/pool"
)

type cert struct {
	ptr atomic.Pointer[tls.Certificate]
}

func (c *cert) get() *tls.Certificate {
	return c.ptr.Load()
}

func (c *cert) set(newCert *tls.Certificate) {
	c.ptr.Store(newCert)
}

// tryCreateWatchCert loads the certificate and keeps it fresh: when the
// files on disk change the certificate is reloaded after a short
// debounce window.
func tryCreateWatchCert(certFile, keyFile string, logger *zap.Logger) (*cert, error) {
	c, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, err
	}

	cc := new(cert)
	cc.set(&c)

	go func() {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			logger.Error("failed to create certificate watcher", zap.Error(err))
			return
		}
		defer watcher.Close()

		if err := watcher.Add(certFile); err != nil {
			logger.Warn("failed to watch certificate file", zap.String("file", certFile), zap.Error(err))
		}
		if err := watcher.Add(keyFile); err != nil {
			logger.Warn("failed to watch key file", zap.String("file", keyFile), zap.Error(err))
		}

		timer := pool.GetTimer(time.Hour)
		defer pool.ReleaseTimer(timer)
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}

		reloadCert := func() {
			newCert, err := tls.LoadX509KeyPair(certFile, keyFile)
			if err != nil {
				logger.Error("failed to reload certificate", zap.String("file", certFile), zap.Error(err))
				return
			}
			cc.set(&newCert)
			logger.Info("certificate reloaded", zap.String("file", certFile))
		}

		needReWatch := false
		for {
			select {
			case e, ok := <-watcher.Events:
				if !ok {
					return
				}
				if e.Has(fsnotify.Chmod) {
					continue
				}
				if e.Has(fsnotify.Remove) || e.Has(fsnotify.Rename) {
					needReWatch = true
				}
				pool.ResetAndDrainTimer(timer, 2*time.Second)

			case <-timer.C:
				if needReWatch {
					needReWatch = false
					_ = watcher.Remove(certFile)
					_ = watcher.Remove(keyFile)
					if err := watcher.Add(certFile); err != nil {
						logger.Warn("failed to re-watch certificate file", zap.String("file", certFile), zap.Error(err))
					}
					if err := watcher.Add(keyFile); err != nil {
						logger.Warn("failed to re-watch key file", zap.String("file", keyFile), zap.Error(err))
					}
				}
				reloadCert()

			case err := <-watcher.Errors:
				if err != nil {
					logger.Error("certificate watcher error", zap.Error(err))
				}
			}
		}
	}()

	return cc, nil
}

func (s *Server) createTLSListener(l net.Listener) (net.Listener, error) {
	if s.opts.Cert == "" || s.opts.Key == "" {
		return nil, errors.New("missing certificate for tls listener")
	}

	c, err := tryCreateWatchCert(s.opts.Cert, s.opts.Key, s.opts.Logger)
	if err != nil {
		return nil, err
	}

	return tls.NewListener(l, &tls.Config{
		NextProtos: []string{"h2", "http/1.1"},
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			cert := c.get()
			if cert == nil {
				return nil, errors.New("certificate not available")
			}
			return cert, nil
		},
	}), nil
}
